package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	require.Equal(t, "giftcode:lock:GIFT2024", BuildGiftCodeLockKey("GIFT2024"))
	require.Equal(t, "giftcode:job:progress:123", BuildJobProgressKey("123"))
}
