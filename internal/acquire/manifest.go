package acquire

import (
	"context"
	"time"

	"marketfeed/internal/logger"
	"marketfeed/internal/provider"
	"marketfeed/internal/series"
)

// ManifestMeasurement holds one point per stored ranged fetch. The point's
// timestamp is the requested start date and its "end" tag the requested end
// date, so a later request inside that span trusts the cache even when the
// span's bounds fall on days without sessions.
const ManifestMeasurement = "fetch_manifest"

const dateLayout = "2006-01-02"

func manifestFilter(measurement string, req provider.Request) map[string]string {
	return map[string]string{"measurement": measurement, "symbol": req.Key()}
}

func (s *Service) recordFetched(ctx context.Context, rid, measurement string, req provider.Request, rows int) {
	r := req.DateRange()
	tags := manifestFilter(measurement, req)
	tags["end"] = r.End.Format(dateLayout)
	point := series.Row{Timestamp: r.Start, Fields: map[string]any{"rows": float64(rows)}}
	if err := s.store.Write(ctx, ManifestMeasurement, tags, []series.Row{point}); err != nil {
		logger.Warnf("[%s] fetch manifest write %s %s %s failed: %v", rid, measurement, req.Key(), r, err)
	}
}

// fetchedRanges lists the recorded fetches of req's series that start on or
// before its end date.
func (s *Service) fetchedRanges(ctx context.Context, measurement string, req provider.Request) ([]series.Range, error) {
	r := req.DateRange()
	tbl, err := s.store.Query(ctx, ManifestMeasurement, manifestFilter(measurement, req), time.Time{}, r.Until())
	if err != nil {
		return nil, err
	}
	out := make([]series.Range, 0, tbl.Len())
	for _, row := range tbl.Rows {
		end, err := series.ParseDate(row.String("end"))
		if err != nil {
			continue
		}
		out = append(out, series.Range{Start: series.DateOf(row.Timestamp), End: end})
	}
	return out, nil
}
