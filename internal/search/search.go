// Package search answers profile queries over the hosted and neighbor
// repositories with bounded runtime. Filtering happens in two stages: the
// repository applies wildcard name/type and a coarse bounding box, then the
// engine applies the exact haversine distance and the extra-data regular
// expression in memory.
package search

import (
	"context"
	"math"
	"regexp"
	"time"

	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/validate"
	"github.com/profnet/profiled/internal/wire"
)

// Response record caps depend on whether thumbnails ride along.
const (
	MaxResponseRecordsWithImages = 100
	MaxResponseRecords           = 1000
	MaxTotalRecordsWithImages    = 1000
	MaxTotalRecords              = 10000
)

// Time budgets.
const (
	TotalBudget           = 15 * time.Second
	RegexBudget           = 1000 * time.Millisecond
	PerProfileRegexBudget = 25 * time.Millisecond
)

// Query is a validated search request.
type Query struct {
	Name string
	Type string

	HasLocation bool
	Latitude    float64
	Longitude   float64
	Radius      uint32 // metres

	ExtraRe *regexp.Regexp

	MaxResponse int
	MaxTotal    int

	IncludeHostedOnly bool
	IncludeThumbnails bool
}

// ParseQuery validates a wire search request against the record caps.
func ParseQuery(req *wire.ProfileSearchRequest) (*Query, error) {
	maxResp, maxTotal := MaxResponseRecords, MaxTotalRecords
	if req.IncludeThumbnails {
		maxResp, maxTotal = MaxResponseRecordsWithImages, MaxTotalRecordsWithImages
	}
	if req.MaxResponseCount < 1 || int(req.MaxResponseCount) > maxResp {
		return nil, validate.Fieldf("maxResponseRecordCount", "must be within [1, %d]", maxResp)
	}
	if int(req.MaxTotalCount) > maxTotal {
		return nil, validate.Fieldf("maxTotalRecordCount", "must be at most %d", maxTotal)
	}
	if req.MaxResponseCount > req.MaxTotalCount {
		return nil, validate.Fieldf("maxResponseRecordCount", "exceeds maxTotalRecordCount")
	}
	if req.Radius > 0 {
		if err := validate.Location(req.Latitude, req.Longitude); err != nil {
			return nil, err
		}
	}
	re, err := validate.SearchRegexp(req.ExtraData)
	if err != nil {
		return nil, err
	}
	return &Query{
		Name:              req.Name,
		Type:              req.Type,
		HasLocation:       req.Radius > 0,
		Latitude:          req.Latitude,
		Longitude:         req.Longitude,
		Radius:            req.Radius,
		ExtraRe:           re,
		MaxResponse:       int(req.MaxResponseCount),
		MaxTotal:          int(req.MaxTotalCount),
		IncludeHostedOnly: req.IncludeHostedOnly,
		IncludeThumbnails: req.IncludeThumbnails,
	}, nil
}

// Result is a finished search: the full record set (the handler slices the
// immediate response out of it) plus the servers the query covered.
type Result struct {
	Records        []wire.ProfileQueryInformation
	CoveredServers [][]byte
}

// ImageLoader resolves a thumbnail image id to bytes. A load failure is
// treated as "no image": blobs may vanish under a racing unlink.
type ImageLoader interface {
	Read(id string) ([]byte, error)
}

// Engine runs searches against one store.
type Engine struct {
	store    store.Store
	images   ImageLoader
	serverID []byte
}

// NewEngine builds a search engine. serverID is this server's network id,
// reported as covered for every query.
func NewEngine(st store.Store, images ImageLoader, serverID []byte) *Engine {
	return &Engine{store: st, images: images, serverID: serverID}
}

// budget tracks the regex time accounting for one query.
type budget struct {
	deadline   time.Time
	regexSpent time.Duration
}

func (b *budget) expired() bool { return time.Now().After(b.deadline) }

// matchExtra applies the extra-data regex under the time budgets: once the
// total regex budget is burnt every further profile is a non-match, and a
// single match that overruns its per-profile slice is a non-match too.
func (b *budget) matchExtra(re *regexp.Regexp, extra string) bool {
	if re == nil {
		return true
	}
	if b.regexSpent > RegexBudget {
		return false
	}
	start := time.Now()
	matched := re.MatchString(extra)
	elapsed := time.Since(start)
	b.regexSpent += elapsed
	if elapsed > PerProfileRegexBudget {
		return false
	}
	return matched
}

// Run executes the query. The search never holds database locks across
// repository calls: every batch runs in its own lock-free read transaction.
func (e *Engine) Run(ctx context.Context, q *Query) (*Result, error) {
	b := &budget{deadline: time.Now().Add(TotalBudget)}
	sq := storeQuery(q)

	res := &Result{CoveredServers: [][]byte{e.serverID}}

	if err := e.searchHosted(ctx, q, sq, b, res); err != nil {
		return nil, err
	}

	if !q.IncludeHostedOnly && len(res.Records) < q.MaxTotal && !b.expired() {
		if err := e.searchNeighbors(ctx, q, sq, b, res); err != nil {
			return nil, err
		}
		// Coverage lists every neighbor we replicate from. The list is
		// advisory and not atomic with the row reads.
		err := e.store.InTx(ctx, nil, func(tx store.Tx) error {
			neighbors, err := tx.ListNeighbors(ctx)
			if err != nil {
				return err
			}
			for _, n := range neighbors {
				res.CoveredServers = append(res.CoveredServers, n.NeighborID)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func storeQuery(q *Query) store.SearchQuery {
	sq := store.SearchQuery{Name: q.Name, Type: q.Type}
	if q.HasLocation {
		sq.HasLocation = true
		sq.MinLat, sq.MaxLat, sq.MinLon, sq.MaxLon = boundingBox(q.Latitude, q.Longitude, float64(q.Radius))
	}
	return sq
}

func (e *Engine) searchHosted(ctx context.Context, q *Query, sq store.SearchQuery, b *budget, res *Result) error {
	offset := 0
	for len(res.Records) < q.MaxTotal && !b.expired() {
		remaining := q.MaxTotal - len(res.Records)
		batch := batchSize(remaining)

		var rows []*store.HostedIdentity
		err := e.store.InTx(ctx, nil, func(tx store.Tx) error {
			var err error
			rows, err = tx.SearchHosted(ctx, sq, offset, batch)
			return err
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		offset += len(rows)

		for _, h := range rows {
			if len(res.Records) >= q.MaxTotal || b.expired() {
				return nil
			}
			if !e.hostedMatches(q, b, h) {
				continue
			}
			res.Records = append(res.Records, e.hostedRecord(q, h))
		}
		if len(rows) < batch {
			return nil
		}
	}
	return nil
}

func (e *Engine) hostedMatches(q *Query, b *budget, h *store.HostedIdentity) bool {
	if q.HasLocation && haversineMetres(q.Latitude, q.Longitude, h.Latitude, h.Longitude) > float64(q.Radius) {
		return false
	}
	return b.matchExtra(q.ExtraRe, h.ExtraData)
}

func (e *Engine) hostedRecord(q *Query, h *store.HostedIdentity) wire.ProfileQueryInformation {
	rec := wire.ProfileQueryInformation{
		IsHosted:   true,
		IdentityID: h.IdentityID,
		Version:    h.Version,
		Name:       h.Name,
		Type:       h.Type,
		Latitude:   h.Latitude,
		Longitude:  h.Longitude,
		ExtraData:  h.ExtraData,
	}
	if q.IncludeThumbnails && h.ThumbnailImageID != "" {
		if img, err := e.images.Read(h.ThumbnailImageID); err == nil {
			rec.ThumbnailImage = img
		}
	}
	return rec
}

func (e *Engine) searchNeighbors(ctx context.Context, q *Query, sq store.SearchQuery, b *budget, res *Result) error {
	offset := 0
	for len(res.Records) < q.MaxTotal && !b.expired() {
		remaining := q.MaxTotal - len(res.Records)
		batch := batchSize(remaining)

		var rows []*store.NeighborIdentity
		err := e.store.InTx(ctx, nil, func(tx store.Tx) error {
			var err error
			rows, err = tx.SearchNeighborIdentities(ctx, sq, offset, batch)
			return err
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		offset += len(rows)

		for _, n := range rows {
			if len(res.Records) >= q.MaxTotal || b.expired() {
				return nil
			}
			if q.HasLocation && haversineMetres(q.Latitude, q.Longitude, n.Latitude, n.Longitude) > float64(q.Radius) {
				continue
			}
			if !b.matchExtra(q.ExtraRe, n.ExtraData) {
				continue
			}
			rec := wire.ProfileQueryInformation{
				IsHosted:        false,
				HostingServerID: n.HostingServerID,
				IdentityID:      n.IdentityID,
				Version:         n.Version,
				Name:            n.Name,
				Type:            n.Type,
				Latitude:        n.Latitude,
				Longitude:       n.Longitude,
				ExtraData:       n.ExtraData,
			}
			if q.IncludeThumbnails && n.ThumbnailImageID != "" {
				if img, err := e.images.Read(n.ThumbnailImageID); err == nil {
					rec.ThumbnailImage = img
				}
			}
			res.Records = append(res.Records, rec)
		}
		if len(rows) < batch {
			return nil
		}
	}
	return nil
}

// batchSize sizes a repository page: large enough to amortize round trips,
// proportional to what is still wanted.
func batchSize(remaining int) int {
	n := 10 * remaining
	if n < 1000 {
		n = 1000
	}
	return n
}

const earthRadiusMetres = 6371000

// haversineMetres is the great-circle distance between two coordinates.
func haversineMetres(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMetres * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// boundingBox widens a centre+radius circle into a latitude/longitude box.
// Longitude wraps at the antimeridian (MinLon > MaxLon); near the poles the
// box degenerates to the full longitude range.
func boundingBox(lat, lon, radius float64) (minLat, maxLat, minLon, maxLon float64) {
	latDelta := radius / 111320
	minLat = math.Max(lat-latDelta, -90)
	maxLat = math.Min(lat+latDelta, 90)

	cos := math.Cos(lat * math.Pi / 180)
	if cos < 1e-6 {
		return minLat, maxLat, -180, 180
	}
	lonDelta := radius / (111320 * cos)
	if lonDelta >= 180 {
		return minLat, maxLat, -180, 180
	}
	minLon = lon - lonDelta
	maxLon = lon + lonDelta
	if minLon < -180 {
		minLon += 360
	}
	if maxLon > 180 {
		maxLon -= 360
	}
	return minLat, maxLat, minLon, maxLon
}
