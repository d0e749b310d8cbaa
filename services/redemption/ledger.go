package redemption

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giftcode-redeemer/pkg/db/pagination"
	"giftcode-redeemer/pkg/errutil"
)

const redeemedChunkSize = 500

// Ledger is the durable record of credited (fid, code) pairs. The unique
// index on (fid, code) is what guarantees at most one credit per pair.
type Ledger struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time
}

func NewLedger(db *gorm.DB, node *snowflake.Node) *Ledger {
	return &Ledger{db: db, node: node, now: time.Now}
}

// Record inserts the pair if absent. inserted is false when the pair was
// already recorded, which is not an error.
func (l *Ledger) Record(ctx context.Context, fid, code string) (bool, error) {
	row := &RedemptionHistory{
		ID:         l.node.Generate().Int64(),
		FID:        fid,
		Code:       code,
		RedeemedAt: l.now().UTC(),
	}

	tx := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fid"}, {Name: "code"}},
			DoNothing: true,
		}).
		Create(row)
	if tx.Error != nil {
		zap.L().Error("failed to record redemption", zap.String("fid", fid), zap.String("code", code), zap.Error(tx.Error))
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (l *Ledger) Exists(ctx context.Context, fid, code string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&RedemptionHistory{}).
		Where("fid = ? AND code = ?", fid, code).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Redeemed returns the subset of fids already recorded for code.
func (l *Ledger) Redeemed(ctx context.Context, code string, fids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for start := 0; start < len(fids); start += redeemedChunkSize {
		end := min(start+redeemedChunkSize, len(fids))

		var found []string
		err := l.db.WithContext(ctx).
			Model(&RedemptionHistory{}).
			Where("code = ? AND fid IN ?", code, fids[start:end]).
			Pluck("fid", &found).Error
		if err != nil {
			return nil, err
		}
		for _, fid := range found {
			out[fid] = struct{}{}
		}
	}
	return out, nil
}

// ListByCode pages through the records of code, newest first.
func (l *Ledger) ListByCode(ctx context.Context, code string, p pagination.Pagination) ([]*RedemptionHistory, *pagination.PageInfo, error) {
	p = p.Normalize()

	q := l.db.WithContext(ctx).
		Model(&RedemptionHistory{}).
		Where("code = ?", code)

	if p.Cursor != "" {
		cur, err := pagination.DecodeCursor(p.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		at, err := time.Parse(time.RFC3339Nano, cur.CreatedAt)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		id, err := strconv.ParseInt(cur.ID, 10, 64)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		q = q.Where("(redeemed_at < ?) OR (redeemed_at = ? AND id < ?)", at, at, id)
	}

	var rows []*RedemptionHistory
	if err := q.Order("redeemed_at DESC").Order("id DESC").Limit(p.Limit + 1).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	rows, info := pagination.BuildCursorPageInfo(rows, p.Limit, func(r *RedemptionHistory) string {
		c, err := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: r.RedeemedAt.UTC().Format(time.RFC3339Nano),
			ID:        strconv.FormatInt(r.ID, 10),
		})
		if err != nil {
			return ""
		}
		return c
	})
	return rows, info, nil
}
