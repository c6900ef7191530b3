package mcpserver

// EntityContract describes the entity kinds and their fields for LLM
// consumers that create or update entities through the save tools.
const EntityContract = `# jobtrail entity contract

jobtrail tracks three kinds of entities. Every entity has an ` + "`id`" + `
(assigned on creation, never reused) and a ` + "`revision`" + ` that grows with
each change. Omit ` + "`id`" + ` to create; pass it to update.

## pipeline

A job application.

| field      | type   | rules                                                     |
|------------|--------|-----------------------------------------------------------|
| company    | string | required, up to 100 characters                            |
| role       | string | required, up to 200 characters                            |
| status     | enum   | applied, interviewing, offer, rejected, withdrawn         |
| priority   | int    | 1 (highest) to 5, default 2                               |
| job_url    | string | a URL when set                                            |
| location   | string |                                                           |
| notes      | string |                                                           |

An applied pipeline may move to any other status. From interviewing it may
move to offer, rejected or withdrawn; from offer only to withdrawn. Rejected
and withdrawn are final. Deleting a pipeline deletes its interviews.

## interview

One round of a pipeline.

| field            | type     | rules                                                             |
|------------------|----------|-------------------------------------------------------------------|
| pipeline_id      | string   | required, id of a live pipeline                                   |
| scheduled_at     | RFC 3339 | required                                                          |
| type             | enum     | technical, hr, behavioral, system_design, hiring_manager, other   |
| round            | int      | 1 or more                                                         |
| duration_minutes | int      | 1 to 600, default 60                                              |
| mode             | enum     | video, phone, onsite, take_home                                   |
| outcome          | enum     | pending, passed, failed, rescheduled                              |
| notes            | string   |                                                                   |

## question

A practice question, independent of pipelines.

| field    | type     | rules                                                              |
|----------|----------|--------------------------------------------------------------------|
| category | enum     | behavioral, technical, system_design, coding, culture, other       |
| prompt   | string   | required                                                           |
| answer   | string   |                                                                    |
| tags     | string[] |                                                                    |
| rating   | int      | 0 to 5                                                             |

## Sync

Changes are saved locally first and mirrored to the configured remotes in
the background. Use ` + "`sync_state`" + ` to see the backlog and the last error
per remote, and ` + "`trigger_sync`" + ` to push now.
`
