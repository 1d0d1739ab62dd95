package queue

// Redis key layout. Everything lives under one prefix so an operator can
// inspect or flush the engine's state without touching other tenants of the
// same Redis.
const keyPrefix = "vw"

func jobKey(jobID string) string { return keyPrefix + ":job:" + jobID }

func waitKey(queueName string) string { return keyPrefix + ":queue:" + queueName + ":wait" }

func activeKey(queueName string) string { return keyPrefix + ":queue:" + queueName + ":active" }

func delayedKey(queueName string) string { return keyPrefix + ":queue:" + queueName + ":delayed" }

func completedKey(queueName string) string { return keyPrefix + ":queue:" + queueName + ":completed" }

func failedKey(queueName string) string { return keyPrefix + ":queue:" + queueName + ":failed" }

// resultsKey holds the stepResults hash of one parent job: field = step
// kind, value = StepResult JSON.
func resultsKey(parentJobID string) string { return keyPrefix + ":flow:" + parentJobID + ":results" }

// wokenKey is the set-once guard that makes the parent wake-up a single
// event.
func wokenKey(parentJobID string) string { return keyPrefix + ":flow:" + parentJobID + ":woken" }

// Job hash fields. "spec" is immutable; the rest mutate as the job moves.
const (
	fieldSpec            = "spec"
	fieldStatus          = "status"
	fieldAttempt         = "attempt"
	fieldError           = "error"
	fieldCascade         = "cascade"
	fieldResult          = "result"
	fieldProgress        = "progress"
	fieldHeartbeat       = "heartbeat"
	fieldPendingDeps     = "pending_deps"
	fieldPendingChildren = "pending_children"
)
