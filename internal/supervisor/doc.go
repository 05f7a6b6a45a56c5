// Package supervisor executes a single file on a platform and arbitrates
// the outcome.
//
// Overview
// LaunchAndExecute drives one (file, platform) pair through its lifecycle:
// launch -> started -> execute -> race -> optional restart -> shutdown.
// The race is run by package race over five sources and exactly one wins:
//
//	errored       platform reported a fatal error   -> Outcome errored
//	disconnected  platform closed while executing   -> Outcome disconnected
//	executed      Execute returned                  -> Outcome completed/errored
//	restarted     restart token fired               -> stop, launch again, recurse
//	cancelled     cancellation token requested      -> *model.CancelledError
//
// Data flow:
//
//	caller                Supervisor                    Platform
//	  |                       |                            |
//	  | LaunchAndExecute ---->| Err() check                |
//	  |                       | launch() ----------------->|
//	  |                       |<------------- Started -----|
//	  |                       | Execute() (goroutine) ---->|
//	  |                       |<---- Errored/Closed/result-|
//	  |<------ Outcome -------|                            |
//
// Shutdown:
// Stopping a platform calls Close and waits for Closed or Errored. When none
// of them fires within the force stop grace period (10 minutes by default),
// CloseForce is called. Cancellation waits for an in-flight stop before
// LaunchAndExecute returns.
//
// Invariants:
//   - A platform is owned by one attempt and never reused; a restart always
//     destroys and creates a new one.
//   - Restarts are not limited nor delayed, debouncing is up to the trigger.
//   - Cancellation and restart are never reported as failed outcomes.
package supervisor
