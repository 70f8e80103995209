package logfields

import "go.uber.org/zap"

func Installation(val int64) zap.Field {
	return zap.Int64("github.installation_id", val)
}

func DeliveryID(val string) zap.Field {
	return zap.String("github.delivery_id", val)
}

func DedupKey(val string) zap.Field {
	return zap.String("automerge.dedup_key", val)
}

func LeaseToken(val string) zap.Field {
	return zap.String("automerge.lease_token", val)
}

func State(val string) zap.Field {
	return zap.String("automerge.state", val)
}

func Reason(val string) zap.Field {
	return zap.String("automerge.reason", val)
}

func Attempt(val int) zap.Field {
	return zap.Int("automerge.attempt", val)
}

func MergeMethod(val string) zap.Field {
	return zap.String("automerge.merge_method", val)
}

func QueueDepth(val int) zap.Field {
	return zap.Int("automerge.queue_depth", val)
}

func HeadSHA(val string) zap.Field {
	return zap.String("git.head_sha", val)
}
