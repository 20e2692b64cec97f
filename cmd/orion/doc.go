// Command orion ingests SEC EDGAR 6-K filings.
//
// The worker subcommand consumes filing jobs one at a time from Pub/Sub (or
// an in-process queue for local runs). Each job is downloaded from EDGAR
// behind a shared throttler that spaces requests and backs off for minutes
// after a 429, cleaned to plain text, split into fixed-size chunks, and
// written together with its chunks in a single Postgres transaction. Raw
// documents can be archived to GCS or a local directory, and a completion
// event can be published once the filing commits.
//
// Supporting subcommands:
//
//	orion seed -f jobs.csv   publish jobs from a CSV file
//	orion migrate            apply the filings schema
//	orion audit              list COMPLETED filings without chunks
//
// Configuration is read from the file passed with --config and from ORION_*
// environment variables, e.g. ORION_DB_DSN or ORION_EDGAR_USER_AGENT.
package main
