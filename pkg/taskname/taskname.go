package taskname

const (
	// Redemption tasks
	GiftCodeRedeemBatch = "giftcode:redeem:batch"
)
