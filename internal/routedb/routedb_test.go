package routedb

import (
	"net/netip"
	"testing"

	"github.com/wgmeshd/wgmeshd/pkg/wire"
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestFragments_roundTripThroughIngest(t *testing.T) {
	t.Parallel()

	db := New()
	direct := []DirectPeer{{WGIP: addr("10.1.1.2"), AdminPort: 54000}}
	changes := Recalculate(db, addr("10.1.1.1"), direct, nil)
	if len(changes) != 1 {
		t.Fatalf("Recalculate() produced %d changes, want 1", len(changes))
	}

	myWGIP := addr("10.1.1.1")
	frags := db.Fragments(myWGIP, 1)
	if len(frags) != 1 {
		t.Fatalf("Fragments() produced %d fragments, want 1", len(frags))
	}

	var assembled *PeerRouteDB
	var complete bool
	var err error
	for _, f := range frags {
		assembled, complete, err = Ingest(assembled, f)
		if err != nil {
			t.Fatalf("Ingest() error: %v", err)
		}
	}
	if !complete {
		t.Fatal("expected assembled database to be complete")
	}
	if len(assembled.Entries()) != 1 {
		t.Fatalf("assembled %d entries, want 1", len(assembled.Entries()))
	}
}

func TestIngest_fragmentationCompleteness(t *testing.T) {
	t.Parallel()

	const n = 37
	entries := make([]wire.RouteInfo, n)
	for i := 0; i < n; i++ {
		entries[i] = wire.RouteInfo{Dest: netip.AddrFrom4([4]byte{10, 2, 0, byte(i + 1)}), HopCount: 0}
	}

	fragSize := 16
	var frags []wire.RouteDatabase
	for i := 0; i < n; i += fragSize {
		end := i + fragSize
		if end > n {
			end = n
		}
		frags = append(frags, wire.RouteDatabase{
			WGIP:           addr("10.1.1.2"),
			RouteDBVersion: 5,
			NrEntries:      uint32(n),
			Entries:        entries[i:end],
		})
	}

	var db *PeerRouteDB
	completedAt := -1
	for i, f := range frags {
		var complete bool
		var err error
		db, complete, err = Ingest(db, f)
		if err != nil {
			t.Fatalf("Ingest() fragment %d error: %v", i, err)
		}
		if complete {
			completedAt = i
		}
	}

	if completedAt != len(frags)-1 {
		t.Fatalf("database reported complete at fragment %d, want %d (the last one)", completedAt, len(frags)-1)
	}
	if len(db.Entries()) != n {
		t.Fatalf("assembled %d entries, want %d", len(db.Entries()), n)
	}
}

func TestIngest_versionMismatchDropsPartial(t *testing.T) {
	t.Parallel()

	first := wire.RouteDatabase{WGIP: addr("10.1.1.2"), RouteDBVersion: 1, NrEntries: 2, Entries: []wire.RouteInfo{
		{Dest: addr("10.2.0.1")},
	}}
	db, complete, err := Ingest(nil, first)
	if err != nil || complete {
		t.Fatalf("unexpected state after first fragment: complete=%v err=%v", complete, err)
	}

	second := wire.RouteDatabase{WGIP: addr("10.1.1.2"), RouteDBVersion: 2, NrEntries: 1, Entries: []wire.RouteInfo{
		{Dest: addr("10.2.0.9")},
	}}
	db, complete, err = Ingest(db, second)
	if err == nil {
		t.Fatal("expected a version-mismatch warning error")
	}
	if complete {
		t.Fatal("a dropped assembly must not report complete")
	}
	if db != nil {
		t.Fatalf("expected the partial database to be dropped without starting a new merge, got %d entries", len(db.Entries()))
	}
}

func TestIngest_duplicateCompleteDropped(t *testing.T) {
	t.Parallel()

	pkt := wire.RouteDatabase{WGIP: addr("10.1.1.2"), RouteDBVersion: 1, NrEntries: 1, Entries: []wire.RouteInfo{
		{Dest: addr("10.2.0.1")},
	}}
	db, complete, err := Ingest(nil, pkt)
	if err != nil || !complete {
		t.Fatalf("unexpected state: complete=%v err=%v", complete, err)
	}

	_, _, err = Ingest(db, pkt)
	if err == nil {
		t.Fatal("expected duplicate-complete packet to be dropped with an error")
	}
}

func TestIngest_newVersionSupersedesCompleteDatabase(t *testing.T) {
	t.Parallel()

	db, complete, err := Ingest(nil, wire.RouteDatabase{
		WGIP: addr("10.1.1.2"), RouteDBVersion: 1, NrEntries: 1,
		Entries: []wire.RouteInfo{{Dest: addr("10.2.0.1")}},
	})
	if err != nil || !complete {
		t.Fatalf("unexpected state: complete=%v err=%v", complete, err)
	}

	db, complete, err = Ingest(db, wire.RouteDatabase{
		WGIP: addr("10.1.1.2"), RouteDBVersion: 2, NrEntries: 2,
		Entries: []wire.RouteInfo{{Dest: addr("10.2.0.1")}, {Dest: addr("10.2.0.9")}},
	})
	if err != nil {
		t.Fatalf("Ingest() of a new version over a complete copy: %v", err)
	}
	if !complete || db.Version() != 2 || len(db.Entries()) != 2 {
		t.Fatalf("expected a fresh complete version-2 database, got version=%d complete=%v entries=%d", db.Version(), complete, len(db.Entries()))
	}
}

func TestRecalculate_idempotent(t *testing.T) {
	t.Parallel()

	db := New()
	direct := []DirectPeer{
		{WGIP: addr("10.1.1.2"), AdminPort: 54000},
		{WGIP: addr("10.1.1.3"), AdminPort: 54000},
	}

	first := Recalculate(db, addr("10.1.1.1"), direct, nil)
	if len(first) == 0 {
		t.Fatal("expected initial recalculation to produce changes")
	}

	second := Recalculate(db, addr("10.1.1.1"), direct, nil)
	if len(second) != 0 {
		t.Fatalf("Recalculate() with unchanged state produced %d changes, want 0", len(second))
	}
}

func TestRecalculate_transitiveRoute(t *testing.T) {
	t.Parallel()

	// A <-> B <-> C, where C is reachable via B only.
	myWGIP := addr("10.1.1.1")
	b := addr("10.1.1.2")
	c := addr("10.1.1.3")

	db := New()
	direct := []DirectPeer{{WGIP: b, AdminPort: 54000}}

	bDB, complete, err := Ingest(nil, wire.RouteDatabase{
		WGIP:           b,
		RouteDBVersion: 1,
		NrEntries:      1,
		Entries: []wire.RouteInfo{
			{Dest: c, AdminPort: 54000, HopCount: 0, Gateway: nil},
		},
	})
	if err != nil || !complete {
		t.Fatalf("unexpected ingest state: complete=%v err=%v", complete, err)
	}

	changes := Recalculate(db, myWGIP, direct, map[netip.Addr]*PeerRouteDB{b: bDB})

	var sawC bool
	for _, ch := range changes {
		if ch.To == c {
			sawC = true
			if ch.Kind != AddRoute {
				t.Errorf("route to C: kind = %v, want AddRoute", ch.Kind)
			}
			if ch.Gateway == nil || *ch.Gateway != b {
				t.Errorf("route to C: gateway = %v, want %v", ch.Gateway, b)
			}
		}
	}
	if !sawC {
		t.Fatal("expected a transitive AddRoute to C via B")
	}

	gw, hasGW, ok := db.GatewayFor(c)
	if !ok || !hasGW || gw != b {
		t.Fatalf("GatewayFor(C) = (%v, %v, %v), want (%v, true, true)", gw, hasGW, ok, b)
	}
}

func TestRecalculate_ignoresRouteBackThroughSelf(t *testing.T) {
	t.Parallel()

	myWGIP := addr("10.1.1.1")
	b := addr("10.1.1.2")

	db := New()
	direct := []DirectPeer{{WGIP: b, AdminPort: 54000}}

	// B reports a route back to us — must be ignored, not looped.
	bDB, _, err := Ingest(nil, wire.RouteDatabase{
		WGIP: b, RouteDBVersion: 1, NrEntries: 1,
		Entries: []wire.RouteInfo{{Dest: myWGIP, HopCount: 0}},
	})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	changes := Recalculate(db, myWGIP, direct, map[netip.Addr]*PeerRouteDB{b: bDB})
	for _, ch := range changes {
		if ch.To == myWGIP {
			t.Fatalf("Recalculate() produced a route to myself: %+v", ch)
		}
	}
}

func TestRecalculate_removesDisappearedDirectPeer(t *testing.T) {
	t.Parallel()

	myWGIP := addr("10.1.1.1")
	b := addr("10.1.1.2")

	db := New()
	Recalculate(db, myWGIP, []DirectPeer{{WGIP: b, AdminPort: 54000}}, nil)

	changes := Recalculate(db, myWGIP, nil, nil)
	if len(changes) != 1 || changes[0].Kind != DelRoute || changes[0].To != b {
		t.Fatalf("Recalculate() after peer loss = %+v, want one DelRoute to %v", changes, b)
	}
}
