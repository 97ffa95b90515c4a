package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"ashen-realm/gamemaster/internal/realm"
	"ashen-realm/shared/events"
	"ashen-realm/shared/logx"
	"ashen-realm/shared/mqx"
)

type fakeBroker struct{ connected bool }

func (b fakeBroker) Status() mqx.Status { return mqx.Status{Connected: b.connected} }

func newMux(r *realm.Realm, connected bool) *http.ServeMux {
	mux := http.NewServeMux()
	New(r, fakeBroker{connected: connected}, "gamemaster", "test", "1.0.0").Routes(mux)
	return mux
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadyzFollowsBroker(t *testing.T) {
	r := realm.New(realm.Options{Logger: logx.Nop()})
	if rec := get(newMux(r, false), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec := get(newMux(r, true), "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestPlayerEndpoints(t *testing.T) {
	r := realm.New(realm.Options{Logger: logx.Nop()})
	r.LightBonfire(context.Background(), events.NewBonfire("Crestfallen Warrior", "Firelink", ""))
	mux := newMux(r, true)

	var players []realm.Player
	rec := get(mux, "/api/players")
	if err := json.Unmarshal(rec.Body.Bytes(), &players); err != nil || len(players) != 1 {
		t.Fatalf("unexpected players: %s %v", rec.Body.String(), err)
	}

	var p realm.Player
	rec = get(mux, "/api/players/"+url.PathEscape("Crestfallen Warrior"))
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("unexpected player response: %d %v", rec.Code, err)
	}
	if p.BonfiresLit != 1 || p.ZonesVisited[0] != events.DefaultBonfireZone {
		t.Fatalf("unexpected player: %#v", p)
	}

	if rec := get(mux, "/api/players/nobody"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var st realm.Stats
	rec = get(mux, "/api/gamemaster/stats")
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil || st.ActivePlayers != 1 || st.BonfiresLit != 1 {
		t.Fatalf("unexpected stats: %#v %v", st, err)
	}
}
