// Package service runs the configured execution plan and delivers the reports.
//
// Overview
// A Service owns the long lived parts of a run: the supervisor tracking active
// platforms, the report uploaders, the optional run history and, depending on
// the mode, a scheduler or a file watcher.
//
// Modes:
//   - manual: the plan runs once, Do returns the first error.
//   - watch: the plan runs once, then a change of a watched file restarts the
//     executions in flight. When nothing is in flight a new run is started.
//   - timer: the plan runs on a cron or duration schedule.
//
// Data flow of a single run:
//
//   Service.Run
//       | BuildPlan ----------> walk.Glob per platform + coverage include
//       | plan.Run -----------> supervisor.LaunchAndExecute per file
//       | report.New ---------> coverage summary
//       | Validator.Validate
//       | report.UploadAll ---> stdout | directory | repository
//       | store.FinishOK/Err
//
// Errors of other modes than manual are only logged, the loop runs until the
// context is cancelled.
package service
