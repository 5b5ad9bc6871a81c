package service

// Package service wires a whole collection run.
//
// Overview
// Harvester owns the configuration and the two remote capabilities (the
// management plane and the shell). Run loads the host list, opens the result
// table through store.Writer, skips hosts already present in the table and
// hands the rest to the scheduler. The log file gets the same records as the
// console, formatted as plain lines.
//
// Data flow:
//
//   Harvester.Run        store.Writer          scheduler         collector
//       |                     |                    |                  |
//   LoadHosts                 |                    |                  |
//       | Initialize() ------>| ResumeIndex        |                  |
//       | filter done hosts   |                    |                  |
//       | Run(pending) ---------------------------->| Collect() ------>|
//       |                     |<-- AppendResult ---|<-- result -------|
//       |                     |<-- Progress -------|                  |
//       | Finalize() -------->| sort by hostname   |                  |
//
// Invariants:
//   - A host present in the result table is never collected again.
//   - The table is valid after every append, a killed run can be resumed.
//   - Nothing to do is reported as model.ErrNothingToDo, not as a failure.
//
// With a journal configured every run and every collected host is recorded
// in a sqlite database, including the error and attempt count which the
// result table has no columns for.
