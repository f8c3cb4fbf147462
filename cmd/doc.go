// Package cmd defines the catalog-crawler command line.
//
// Architecture overview:
//   - Workflows: each supported site registers listing and item workflows
//     (internal/sites). A workflow pairs an event name with a page handler
//     and an execution policy.
//   - Dispatch: handlers and operators enqueue URLs through the dispatcher,
//     which asks the admission controller whether the (task, event, url) key
//     already ran within the workflow's lookback, records a queued run and
//     publishes the event (in-memory bus or Pub/Sub).
//   - Execution: workers consume events, honor label and per-workflow
//     concurrency limits, retry with backoff and record run status. Pages are
//     opened by the static (colly), headless (chromedp) or auto engine.
//   - Persistence: the entity store normalizes records and syncs catalog
//     items, persons and metric snapshots (memory or Postgres); covers and
//     task snapshots go to the blob store (memory, local or GCS).
//
// Commands:
//   - serve: HTTP API plus, unless disabled, an in-process worker.
//   - worker: consume tasks only.
//   - workflows: list registered workflows.
//   - run: seed a workflow's start URLs.
//   - crawl: dispatch one URL to a workflow.
//   - debug: run a workflow handler locally without writes or dispatch.
//   - migrate: apply or roll back the Postgres schema.
package cmd
