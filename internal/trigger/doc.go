// Package trigger submits recurring jobs to the batch scheduler.
//
// A trigger binds a schedule string to a job template (a name plus task
// specs and job options). When the schedule fires, a fresh job is created
// from the template; execution, retry and concurrency control all belong to
// the batch scheduler. The trigger service never runs work itself.
//
// # Schedule formats
//
//   - Cron expressions: 5-field (min hour dom mon dow) or 6-field with
//     optional seconds, plus descriptors like "@hourly" and "@every 55m".
//   - Interval durations: Go duration strings like "55m" or "2h30m".
//   - Interval HH:MM: "00:50" means every 50 minutes, "02:30" every
//     2 hours 30 minutes.
//
// To force interpretation, prefix the string with "cron:" or "every:".
package trigger
