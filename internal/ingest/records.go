package ingest

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"example.com/beacon/internal/domain"
	"example.com/beacon/internal/idempotency"
)

// BuildRecords converts a validated batch into storage records. Request
// metadata is merged into every record's info.
func BuildRecords(b *domain.Batch, apiKey uuid.UUID, meta domain.RequestMetadata, now time.Time) []domain.Record {
	info := mergeInfo(b.Info, meta)

	var userID, appVersion *string
	if b.UserID != "" {
		userID = &b.UserID
	}
	if b.AppVersion != "" {
		appVersion = &b.AppVersion
	}

	records := make([]domain.Record, 0, len(b.Events))
	for _, ev := range b.Events {
		dedupeKey, _ := idempotency.DeriveKey(b.IdentifyID, ev)
		records = append(records, domain.Record{
			ID:         uuid.New(),
			DedupeKey:  dedupeKey,
			APIKey:     apiKey,
			IdentifyID: b.IdentifyID,
			UserID:     userID,
			Type:       ev.Kind(),
			Data:       recordData(ev),
			Info:       info,
			AppVersion: appVersion,
			Date:       ev.Timestamp().UTC(),
			CreatedAt:  now,
		})
	}
	return records
}

// recordData stores the variant's special property next to the caller
// properties, which are nested under "data".
func recordData(ev domain.Event) map[string]any {
	key, value := ev.SpecialProperty()
	data := map[string]any{key: value}
	if props := ev.Props(); props != nil {
		data["data"] = map[string]any(props)
	}
	return data
}

func mergeInfo(clientInfo map[string]any, meta domain.RequestMetadata) map[string]any {
	info := make(map[string]any, len(clientInfo)+2)
	maps.Copy(info, clientInfo)
	if meta.Country != "" {
		info["country"] = meta.Country
	}
	if meta.UserAgent != "" {
		info["userAgent"] = meta.UserAgent
	}
	return info
}
