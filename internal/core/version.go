package core

// Version is the orchestrator version reported in metrics and telemetry.
const Version = "1.2.0"
