package scan

import (
	"context"

	"github.com/google/uuid"

	"thirdcoast.systems/clipscan/internal/db"
)

// Store is the persistence used by scans. *db.Store implements it with retries.
type Store interface {
	GetScanStatus(ctx context.Context, tenantID, channelID string) (*db.ScanStatus, error)
	BeginScan(ctx context.Context, arg db.BeginScanParams) (*db.ScanStatus, error)
	TransitionScan(ctx context.Context, arg db.TransitionScanParams) (bool, error)
	ForceCancelScans(ctx context.Context, tenantID, channelID string) (int64, error)
	ClaimScanPage(ctx context.Context, tenantID, channelID string, jobID uuid.UUID) (*db.ScanStatus, error)
	ClearInFlight(ctx context.Context, tenantID, channelID string, jobID uuid.UUID) error
	PlanScanPage(ctx context.Context, plan db.ScanPagePlan) (db.ScanPagePlan, error)
	RecordScanPage(ctx context.Context, arg db.RecordScanPageParams) (bool, error)

	ExistingMessageIDs(ctx context.Context, tenantID string, ids []string) (map[string]struct{}, error)
	UpsertAuthors(ctx context.Context, rows []db.Author) (db.BulkResult, error)
	UpsertMessages(ctx context.Context, rows []db.Message) (db.BulkResult, error)
	UpsertClips(ctx context.Context, rows []db.Clip) (db.BulkResult, error)
	ClipsNeedingThumbnail(ctx context.Context, ids []uuid.UUID, all bool) ([]uuid.UUID, error)
}

// Settings resolves per-channel settings. *db.SettingsCache implements it.
type Settings interface {
	Get(ctx context.Context, guildID, channelID string) (db.ResolvedSettings, error)
}
