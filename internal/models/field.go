package models

import (
	"fmt"
	"math"
	"sort"
)

// Key indexes every exchanged quantity. Region/period quantities
// (GDP, growth rate, total system cost) leave Sector empty.
type Key struct {
	Region string
	Sector string
	Period int
}

func RegionKey(region string, period int) Key {
	return Key{Region: region, Period: period}
}

func (k Key) String() string {
	if k.Sector == "" {
		return fmt.Sprintf("%s/%d", k.Region, k.Period)
	}
	return fmt.Sprintf("%s/%s/%d", k.Region, k.Sector, k.Period)
}

// Field holds one value per key: DemandLevel, ShadowPrice, TotalSystemCost,
// GrowthRate, EfficiencyCoefficient and GDP are all Fields.
type Field map[Key]float64

// Entry is the serialized form of one Field value.
type Entry struct {
	Region string  `json:"region" yaml:"region" bson:"region"`
	Sector string  `json:"sector,omitempty" yaml:"sector,omitempty" bson:"sector,omitempty"`
	Period int     `json:"period" yaml:"period" bson:"period"`
	Value  float64 `json:"value" yaml:"value" bson:"value"`
}

func (f Field) Clone() Field {
	if f == nil {
		return nil
	}
	out := make(Field, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the keys ordered by region, sector, then period.
func (f Field) Keys() []Key {
	keys := make([]Key, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Region != keys[j].Region {
			return keys[i].Region < keys[j].Region
		}
		if keys[i].Sector != keys[j].Sector {
			return keys[i].Sector < keys[j].Sector
		}
		return keys[i].Period < keys[j].Period
	})
	return keys
}

func (f Field) Regions() []string {
	seen := make(map[string]bool)
	var regions []string
	for k := range f {
		if !seen[k.Region] {
			seen[k.Region] = true
			regions = append(regions, k.Region)
		}
	}
	sort.Strings(regions)
	return regions
}

func (f Field) Entries() []Entry {
	entries := make([]Entry, 0, len(f))
	for _, k := range f.Keys() {
		entries = append(entries, Entry{Region: k.Region, Sector: k.Sector, Period: k.Period, Value: f[k]})
	}
	return entries
}

func FromEntries(entries []Entry) Field {
	if entries == nil {
		return nil
	}
	f := make(Field, len(entries))
	for _, e := range entries {
		f[Key{Region: e.Region, Sector: e.Sector, Period: e.Period}] = e.Value
	}
	return f
}

// Validate rejects NaN and infinite values, and negative ones when
// nonNegative is set.
func (f Field) Validate(name string, nonNegative bool) error {
	for _, k := range f.Keys() {
		v := f[k]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s[%s] is not finite: %v", name, k, v)
		}
		if nonNegative && v < 0 {
			return fmt.Errorf("%s[%s] is negative: %v", name, k, v)
		}
	}
	return nil
}
