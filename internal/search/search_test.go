package search

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/validate"
	"github.com/profnet/profiled/internal/wire"
)

type noImages struct{}

func (noImages) Read(string) ([]byte, error) { return nil, errors.New("no images in test") }

var ownID = bytes.Repeat([]byte{0xEE}, 32)

func seedHosted(t *testing.T, st *store.Memory, count int, name string, lat, lon float64) {
	t.Helper()
	ctx := context.Background()
	err := st.InTx(ctx, []store.Lock{store.LockHostedIdentity}, func(tx store.Tx) error {
		for i := 0; i < count; i++ {
			var pk [36]byte
			copy(pk[:], name)
			binary.BigEndian.PutUint32(pk[32:], uint32(i))
			sum := sha256.Sum256(pk[:])
			h := &store.HostedIdentity{
				IdentityID: sum[:],
				PublicKey:  pk[:32],
				Version:    []byte{1, 0, 0},
				Name:       name,
				Type:       "person",
				Latitude:   lat + float64(i)*0.001,
				Longitude:  lon,
				ExtraData:  "lang=cs",
			}
			if err := tx.InsertHosted(ctx, h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestParseQueryBounds(t *testing.T) {
	base := func() *wire.ProfileSearchRequest {
		return &wire.ProfileSearchRequest{
			Name: "*", Type: "*",
			MaxResponseCount: 100, MaxTotalCount: 500,
		}
	}

	if _, err := ParseQuery(base()); err != nil {
		t.Errorf("valid query rejected: %v", err)
	}

	q := base()
	q.MaxResponseCount = 0
	if _, err := ParseQuery(q); err == nil {
		t.Error("maxResponse=0 accepted")
	}

	q = base()
	q.MaxResponseCount = MaxResponseRecords
	q.MaxTotalCount = MaxTotalRecords
	if _, err := ParseQuery(q); err != nil {
		t.Errorf("caps without images rejected: %v", err)
	}
	q.MaxResponseCount++
	var fe *validate.FieldError
	if _, err := ParseQuery(q); err == nil || !errors.As(err, &fe) || fe.Field != "maxResponseRecordCount" {
		t.Errorf("one over cap: err = %v, want FieldError on maxResponseRecordCount", err)
	}

	q = base()
	q.IncludeThumbnails = true
	q.MaxResponseCount = MaxResponseRecordsWithImages
	q.MaxTotalCount = MaxTotalRecordsWithImages
	if _, err := ParseQuery(q); err != nil {
		t.Errorf("caps with images rejected: %v", err)
	}
	q.MaxResponseCount++
	if _, err := ParseQuery(q); err == nil {
		t.Error("images cap + 1 accepted")
	}

	q = base()
	q.MaxResponseCount = 200
	q.MaxTotalCount = 100
	if _, err := ParseQuery(q); err == nil {
		t.Error("maxResponse > maxTotal accepted")
	}

	q = base()
	q.ExtraData = "a[b"
	if _, err := ParseQuery(q); err == nil {
		t.Error("broken regex accepted")
	}
}

func TestRunLocalOnly(t *testing.T) {
	st := store.NewMemory()
	seedHosted(t, st, 50, "alice", 50.0, 14.4)
	seedHosted(t, st, 30, "bob", 50.0, 14.4)

	e := NewEngine(st, noImages{}, ownID)
	q, err := ParseQuery(&wire.ProfileSearchRequest{
		Name: "ali*", Type: "*",
		MaxResponseCount: 10, MaxTotalCount: 100,
		IncludeHostedOnly: true,
	})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	res, err := e.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 50 {
		t.Errorf("records = %d, want 50", len(res.Records))
	}
	if len(res.CoveredServers) != 1 || !bytes.Equal(res.CoveredServers[0], ownID) {
		t.Errorf("covered = %v, want only own id", res.CoveredServers)
	}
}

func TestRunMaxTotalStops(t *testing.T) {
	st := store.NewMemory()
	seedHosted(t, st, 80, "carol", 10, 10)

	e := NewEngine(st, noImages{}, ownID)
	q, _ := ParseQuery(&wire.ProfileSearchRequest{
		Name: "*", Type: "*",
		MaxResponseCount: 10, MaxTotalCount: 25,
		IncludeHostedOnly: true,
	})
	res, err := e.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 25 {
		t.Errorf("records = %d, want 25 (maxTotal)", len(res.Records))
	}
}

func TestRunRadiusFilter(t *testing.T) {
	st := store.NewMemory()
	// ~11 km column: i*0.001 deg of latitude is ~111 m, so the 100 seeded
	// rows span about 11 km north of the centre; a tight radius keeps
	// only the first few.
	seedHosted(t, st, 100, "dan", 50.0, 14.4)

	e := NewEngine(st, noImages{}, ownID)
	q, _ := ParseQuery(&wire.ProfileSearchRequest{
		Name: "*", Type: "*",
		MaxResponseCount: 100, MaxTotalCount: 1000,
		Latitude: 50.0, Longitude: 14.4, Radius: 1000,
		IncludeHostedOnly: true,
	})
	res, err := e.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Rows sit at 50.0, 50.001, ... 50.099; one degree of latitude is
	// ~111.2 km, so 1 km covers offsets 0..8 only (edge at offset ~8.99).
	if len(res.Records) < 8 || len(res.Records) > 10 {
		t.Errorf("records within 1km = %d, want about 9", len(res.Records))
	}
	for _, r := range res.Records {
		d := haversineMetres(50.0, 14.4, r.Latitude, r.Longitude)
		if d > 1000 {
			t.Errorf("record at %f m exceeds radius", d)
		}
	}
}

func TestRunNeighborsIncluded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedHosted(t, st, 5, "erin", 1, 1)

	neighborID := bytes.Repeat([]byte{0x22}, 32)
	err := st.InTx(ctx, []store.Lock{store.LockNeighborIdentity, store.LockNeighborServer}, func(tx store.Tx) error {
		if err := tx.UpsertNeighbor(ctx, &store.Neighbor{NeighborID: neighborID}); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			n := &store.NeighborIdentity{
				IdentityID:      bytes.Repeat([]byte{byte(i + 1)}, 32),
				HostingServerID: neighborID,
				Version:         []byte{1, 0, 0},
				Name:            "erin-remote",
				Type:            "person",
			}
			if err := tx.InsertNeighborIdentity(ctx, n); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed neighbors: %v", err)
	}

	e := NewEngine(st, noImages{}, ownID)
	q, _ := ParseQuery(&wire.ProfileSearchRequest{
		Name: "erin*", Type: "*",
		MaxResponseCount: 100, MaxTotalCount: 1000,
	})
	res, err := e.Run(ctx, q)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 8 {
		t.Errorf("records = %d, want 5 hosted + 3 neighbor", len(res.Records))
	}
	if len(res.CoveredServers) != 2 {
		t.Errorf("covered = %d servers, want own + neighbor", len(res.CoveredServers))
	}
	hosted := 0
	for _, r := range res.Records {
		if r.IsHosted {
			hosted++
		} else if !bytes.Equal(r.HostingServerID, neighborID) {
			t.Error("neighbor record without hosting server id")
		}
	}
	if hosted != 5 {
		t.Errorf("hosted records = %d, want 5", hosted)
	}
}

func TestExtraDataRegex(t *testing.T) {
	st := store.NewMemory()
	seedHosted(t, st, 10, "frank", 2, 2)

	e := NewEngine(st, noImages{}, ownID)
	q, err := ParseQuery(&wire.ProfileSearchRequest{
		Name: "*", Type: "*",
		MaxResponseCount: 100, MaxTotalCount: 1000,
		ExtraData:         "lang=(cs|sk)",
		IncludeHostedOnly: true,
	})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	res, err := e.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 10 {
		t.Errorf("records = %d, want 10 (all match lang=cs)", len(res.Records))
	}

	q, _ = ParseQuery(&wire.ProfileSearchRequest{
		Name: "*", Type: "*",
		MaxResponseCount: 100, MaxTotalCount: 1000,
		ExtraData:         "lang=de",
		IncludeHostedOnly: true,
	})
	res, err = e.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Records) != 0 {
		t.Errorf("records = %d, want 0", len(res.Records))
	}
}

func TestHaversine(t *testing.T) {
	// Prague to Brno is about 185 km.
	d := haversineMetres(50.0755, 14.4378, 49.1951, 16.6068)
	if math.Abs(d-185000) > 5000 {
		t.Errorf("Prague-Brno = %f m, want ~185 km", d)
	}
	if haversineMetres(1, 2, 1, 2) != 0 {
		t.Error("identical points have nonzero distance")
	}
}

func TestBoundingBoxPole(t *testing.T) {
	_, _, minLon, maxLon := boundingBox(89.9999, 0, 100000)
	if minLon != -180 || maxLon != 180 {
		t.Errorf("near-pole box = [%f, %f], want full longitude range", minLon, maxLon)
	}
}

func TestBoundingBoxAntimeridian(t *testing.T) {
	minLat, maxLat, minLon, maxLon := boundingBox(0, 179.9, 50000)
	if minLat >= maxLat {
		t.Error("degenerate latitude range")
	}
	if minLon < maxLon {
		t.Errorf("expected wrapped box, got [%f, %f]", minLon, maxLon)
	}
	q := store.SearchQuery{HasLocation: true, MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
	if !q.InBox(0, -179.95) {
		t.Error("point across the antimeridian not in box")
	}
	if q.InBox(0, 0) {
		t.Error("far point in box")
	}
}
