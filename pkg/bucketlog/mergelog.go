package bucketlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jax-protocol/jax/pkg/types"
)

// MergeLogEntry records that an orphaned branch was merged onto the
// canonical head, and what came out of it.
type MergeLogEntry struct {
	BucketID uuid.UUID
	// LinkFrom and HeightFrom identify the orphaned branch that was
	// merged.
	LinkFrom   types.Link
	HeightFrom uint64
	// LinkOnto and HeightOnto identify the canonical head before the
	// merge.
	LinkOnto   types.Link
	HeightOnto uint64
	// ResultLink and ResultHeight identify the new head; ResultHeight is
	// HeightOnto plus one.
	ResultLink   types.Link
	ResultHeight uint64
	// OpsMerged is the number of operations taken from the branch.
	OpsMerged uint32
	MergedAt  time.Time
}

// InsertMergeLog records a completed merge. Best-effort callers log a
// failure and move on; the merge itself is already durable in the bucket
// log.
func (d *DB) InsertMergeLog(ctx context.Context, e MergeLogEntry) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO merge_log (
			bucket_id,
			link_from, height_from,
			link_onto, height_onto,
			result_link, result_height,
			ops_merged, merged_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BucketID.String(),
		e.LinkFrom.String(), int64(e.HeightFrom),
		e.LinkOnto.String(), int64(e.HeightOnto),
		e.ResultLink.String(), int64(e.ResultHeight),
		int64(e.OpsMerged), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert merge log entry: %w", err)
	}
	return nil
}

// MergedLinksFrom returns the set of branch links (link_from) already
// reconciled for a bucket. Orphan detection excludes these.
func (d *DB) MergedLinksFrom(ctx context.Context, id uuid.UUID) (map[types.Link]bool, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT link_from FROM merge_log WHERE bucket_id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read merge log for %s: %w", id, err)
	}
	defer rows.Close()

	merged := make(map[types.Link]bool)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		link, err := types.ParseLink(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt link in merge log: %w", err)
		}
		merged[link] = true
	}
	return merged, rows.Err()
}

// MergeLogEntries returns the full merge history of a bucket, most recent
// first.
func (d *DB) MergeLogEntries(ctx context.Context, id uuid.UUID) ([]MergeLogEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT bucket_id, link_from, height_from, link_onto, height_onto,
		        result_link, result_height, ops_merged, merged_at
		 FROM merge_log WHERE bucket_id = ? ORDER BY merged_at DESC`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read merge log for %s: %w", id, err)
	}
	defer rows.Close()

	var entries []MergeLogEntry
	for rows.Next() {
		var (
			bucketID, linkFrom, linkOnto, resultLink     string
			heightFrom, heightOnto, resultHeight, merged int64
			opsMerged                                    sql.NullInt64
		)
		if err := rows.Scan(&bucketID, &linkFrom, &heightFrom, &linkOnto, &heightOnto,
			&resultLink, &resultHeight, &opsMerged, &merged); err != nil {
			return nil, err
		}

		var e MergeLogEntry
		e.BucketID, err = uuid.Parse(bucketID)
		if err != nil {
			return nil, fmt.Errorf("corrupt bucket id in merge log: %w", err)
		}
		if e.LinkFrom, err = types.ParseLink(linkFrom); err != nil {
			return nil, fmt.Errorf("corrupt link in merge log: %w", err)
		}
		if e.LinkOnto, err = types.ParseLink(linkOnto); err != nil {
			return nil, fmt.Errorf("corrupt link in merge log: %w", err)
		}
		if e.ResultLink, err = types.ParseLink(resultLink); err != nil {
			return nil, fmt.Errorf("corrupt link in merge log: %w", err)
		}
		e.HeightFrom = uint64(heightFrom)
		e.HeightOnto = uint64(heightOnto)
		e.ResultHeight = uint64(resultHeight)
		e.OpsMerged = uint32(opsMerged.Int64)
		e.MergedAt = time.Unix(merged, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
