package rediskey

import "fmt"

// Gift code keys (global convention across services)
const (
	GiftCodeLockPrefix = "giftcode:lock"
	JobProgressPrefix  = "giftcode:job:progress"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildGiftCodeLockKey returns "giftcode:lock:{code}"
func BuildGiftCodeLockKey(code string) string {
	return NamespaceKey(GiftCodeLockPrefix, code)
}

// BuildJobProgressKey returns "giftcode:job:progress:{jobID}"
func BuildJobProgressKey(jobID string) string {
	return NamespaceKey(JobProgressPrefix, jobID)
}
