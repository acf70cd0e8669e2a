package inspection

import (
	"slices"

	"github.com/markscan/markscan/internal/datastore"
)

// TopLotCount bounds Summary.TopLots.
const TopLotCount = 10

// Quality ratings by pass rate.
const (
	RatingExcellent = "Excellent"
	RatingGood      = "Good"
	RatingFair      = "Fair"
	RatingPoor      = "Poor"
)

// Summary aggregates inspection records for the analytics view.
type Summary struct {
	TotalScans    int           `json:"total_scans" yaml:"total_scans"`
	Passed        int           `json:"passed" yaml:"passed"`
	Failed        int           `json:"failed" yaml:"failed"`
	PassRate      float64       `json:"pass_rate" yaml:"pass_rate"`
	AvgConfidence float64       `json:"avg_confidence" yaml:"avg_confidence"`
	Vendors       []VendorStats `json:"vendors" yaml:"vendors"`
	TopLots       []LotStats    `json:"top_lots" yaml:"top_lots"`
}

// VendorStats are per-vendor totals. Rates are percentages.
type VendorStats struct {
	Vendor        string  `json:"vendor" yaml:"vendor"`
	Total         int     `json:"total" yaml:"total"`
	Passed        int     `json:"passed" yaml:"passed"`
	Failed        int     `json:"failed" yaml:"failed"`
	PassRate      float64 `json:"pass_rate" yaml:"pass_rate"`
	AvgConfidence float64 `json:"avg_confidence" yaml:"avg_confidence"`
	Lots          int     `json:"lots" yaml:"lots"`
	Rating        string  `json:"rating" yaml:"rating"`
}

// LotStats are totals for one vendor's lot.
type LotStats struct {
	Vendor   string  `json:"vendor" yaml:"vendor"`
	LotID    string  `json:"lot_id" yaml:"lot_id"`
	Total    int     `json:"total" yaml:"total"`
	Passed   int     `json:"passed" yaml:"passed"`
	Failed   int     `json:"failed" yaml:"failed"`
	PassRate float64 `json:"pass_rate" yaml:"pass_rate"`
	Rating   string  `json:"rating" yaml:"rating"`
}

// Rating maps a pass rate percentage to a quality band.
func Rating(passRate float64) string {
	switch {
	case passRate >= 95:
		return RatingExcellent
	case passRate >= 85:
		return RatingGood
	case passRate >= 70:
		return RatingFair
	default:
		return RatingPoor
	}
}

// passed counts overrides as passes.
func passed(result string) bool {
	return result == datastore.ResultPass || result == datastore.ResultOverridden
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

type lotKey struct{ vendor, lot string }

// Summarize computes the analytics summary. The overall failed count only
// includes records whose result is exactly fail, while per-vendor and per-lot
// failures count everything that did not pass. Vendors and lots are ordered by
// total descending, first seen first on ties.
func Summarize(records []datastore.InspectionRecord) Summary {
	s := Summary{
		TotalScans: len(records),
		Vendors:    []VendorStats{},
		TopLots:    []LotStats{},
	}

	vendorIdx := map[string]int{}
	vendorConf := []float64{}
	vendorLots := []map[string]struct{}{}
	lotIdx := map[lotKey]int{}
	var lots []LotStats
	var confSum float64

	for _, r := range records {
		ok := passed(r.Result)
		if ok {
			s.Passed++
		}
		if r.Result == datastore.ResultFail {
			s.Failed++
		}
		confSum += r.Confidence

		vi, seen := vendorIdx[r.Vendor]
		if !seen {
			vi = len(s.Vendors)
			vendorIdx[r.Vendor] = vi
			s.Vendors = append(s.Vendors, VendorStats{Vendor: r.Vendor})
			vendorConf = append(vendorConf, 0)
			vendorLots = append(vendorLots, map[string]struct{}{})
		}
		v := &s.Vendors[vi]
		v.Total++
		vendorConf[vi] += r.Confidence
		vendorLots[vi][r.LotID] = struct{}{}

		key := lotKey{r.Vendor, r.LotID}
		li, seen := lotIdx[key]
		if !seen {
			li = len(lots)
			lotIdx[key] = li
			lots = append(lots, LotStats{Vendor: r.Vendor, LotID: r.LotID})
		}
		l := &lots[li]
		l.Total++

		if ok {
			v.Passed++
			l.Passed++
		} else {
			v.Failed++
			l.Failed++
		}
	}

	if s.TotalScans > 0 {
		s.PassRate = percent(s.Passed, s.TotalScans)
		s.AvgConfidence = confSum / float64(s.TotalScans) * 100
	}

	for i := range s.Vendors {
		v := &s.Vendors[i]
		v.PassRate = percent(v.Passed, v.Total)
		v.AvgConfidence = vendorConf[i] / float64(v.Total) * 100
		v.Lots = len(vendorLots[i])
		v.Rating = Rating(v.PassRate)
	}
	slices.SortStableFunc(s.Vendors, func(a, b VendorStats) int { return b.Total - a.Total })

	for i := range lots {
		lots[i].PassRate = percent(lots[i].Passed, lots[i].Total)
		lots[i].Rating = Rating(lots[i].PassRate)
	}
	slices.SortStableFunc(lots, func(a, b LotStats) int { return b.Total - a.Total })
	if len(lots) > TopLotCount {
		lots = lots[:TopLotCount]
	}
	s.TopLots = append(s.TopLots, lots...)

	return s
}
