package node

// harness runs inside `node -e`. It reads JSON lines from fd 3 and writes
// JSON lines to fd 4. Sources prepared by Go (compiled or instrumented) are
// served from overrides instead of the disk.
const harness = `
"use strict";
const fs = require("node:fs");
const Module = require("node:module");
const readline = require("node:readline");

process.title = "jsexec-node";

const write = (msg) => fs.writeSync(4, JSON.stringify(msg) + "\n");
const coverage = () => globalThis.__coverage__ || {};
const errText = (e) => (e instanceof Error ? e.stack || String(e) : String(e));

const overrides = new Map();
const loadJS = Module._extensions[".js"];
const load = function (module, filename) {
  const code = overrides.get(filename);
  if (code === undefined) {
    return loadJS(module, filename);
  }
  module._compile(code, filename);
};
for (const ext of [".js", ".cjs", ".ts", ".mts", ".cts", ".tsx", ".jsx", ".mjs"]) {
  Module._extensions[ext] = load;
}

process.on("uncaughtException", (e) => {
  write({ type: "error", errtext: errText(e) });
  process.exit(1);
});

async function execute(msg) {
  for (const [file, code] of Object.entries(msg.overrides || {})) {
    overrides.set(file, code);
  }
  try {
    const exports = require(msg.file);
    let v = exports != null && exports.default !== undefined ? exports.default : exports;
    if (typeof v === "function") {
      v = v();
    }
    const value = await v;
    write({ type: "result", id: msg.id, status: "ok", value: value === undefined ? null : value, coverage: coverage() });
  } catch (e) {
    write({ type: "result", id: msg.id, status: "err", errtext: errText(e), coverage: coverage() });
  }
}

const rl = readline.createInterface({ input: fs.createReadStream(null, { fd: 3 }) });
rl.on("line", (line) => {
  if (!line) {
    return;
  }
  const msg = JSON.parse(line);
  switch (msg.type) {
    case "execute":
      execute(msg);
      break;
    case "close":
      process.exit(0);
  }
});
rl.on("close", () => process.exit(0));

write({ type: "ready" });
`
