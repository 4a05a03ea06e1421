package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/ferry/internal/config"
	"github.com/semmidev/ferry/internal/domain"
)

type fakePlatform struct {
	tokensIssued int32
	created      []domain.Entity
}

func (f *fakePlatform) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.tokensIssued, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + string(rune('0'+n)),
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer token-") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode([]domain.Entity{{"id": "u1", "name": "Ada"}, {"id": "u2", "name": "Grace"}})
	})

	mux.HandleFunc("GET /queues", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"value": []domain.Entity{{"id": "q1"}}})
	})

	mux.HandleFunc("POST /users", func(w http.ResponseWriter, r *http.Request) {
		var e domain.Entity
		json.NewDecoder(r.Body).Decode(&e)
		if e["name"] == nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			w.Write([]byte(`{"error":"name is required"}`))
			return
		}
		f.created = append(f.created, e)
		json.NewEncoder(w).Encode(map[string]any{"id": "new-1"})
	})

	mux.HandleFunc("PUT /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "locked" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func TestClient(t *testing.T) {
	Convey("Given a platform client backed by a fake API", t, func() {
		fake := &fakePlatform{}
		server := httptest.NewServer(fake.handler())
		defer server.Close()

		client := New(config.PlatformConfig{
			Name:     "dest",
			BaseURL:  server.URL + "/",
			TokenURL: server.URL + "/token",
			ClientID: "ferry",
		})
		ctx := context.Background()

		Convey("List should decode plain arrays with a bearer token", func() {
			users, err := client.List(ctx, "users")
			So(err, ShouldBeNil)
			So(len(users), ShouldEqual, 2)
			So(users[1].ID(), ShouldEqual, "u2")
			So(atomic.LoadInt32(&fake.tokensIssued), ShouldEqual, 1)
		})

		Convey("List should decode OData envelopes", func() {
			queues, err := client.List(ctx, "queues")
			So(err, ShouldBeNil)
			So(len(queues), ShouldEqual, 1)
		})

		Convey("Create should return the id assigned by the platform", func() {
			id, err := client.Create(ctx, "users", domain.Entity{"name": "Linus"})
			So(err, ShouldBeNil)
			So(id, ShouldEqual, "new-1")
			So(len(fake.created), ShouldEqual, 1)
		})

		Convey("A rejected payload should be a data validation error", func() {
			_, err := client.Create(ctx, "users", domain.Entity{"id": "x"})
			So(err, ShouldNotBeNil)

			var ce *domain.ClientError
			So(errors.As(err, &ce), ShouldBeTrue)
			So(ce.Kind, ShouldEqual, domain.ErrDataValidation)
			So(err.Error(), ShouldContainSubstring, "name is required")
		})

		Convey("Rate limiting should be resource exhaustion", func() {
			err := client.Delete(ctx, "users", "locked")
			So(domain.Classify(err), ShouldEqual, domain.ErrResourceExhaustion)
		})

		Convey("Update and Delete should succeed on 2xx", func() {
			So(client.Update(ctx, "users", "u1", domain.Entity{"name": "Ada L."}), ShouldBeNil)
			So(client.Delete(ctx, "users", "u1"), ShouldBeNil)
		})

		Convey("Refresh should fetch a new token", func() {
			_, err := client.List(ctx, "users")
			So(err, ShouldBeNil)
			So(client.Refresh(ctx), ShouldBeNil)
			So(atomic.LoadInt32(&fake.tokensIssued), ShouldEqual, 2)
		})

		Convey("An unknown endpoint should not be retried or classified as auth", func() {
			_, err := client.List(ctx, "flows")
			So(err, ShouldNotBeNil)
			So(domain.Classify(err), ShouldEqual, domain.ErrUnknown)
		})
	})

	Convey("Given a client whose server is down", t, func() {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		client := New(config.PlatformConfig{Name: "src", BaseURL: url})

		Convey("Transport failures should be network errors", func() {
			_, err := client.List(context.Background(), "users")
			So(domain.Classify(err), ShouldEqual, domain.ErrNetworkTimeout)
		})

		Convey("Refresh should be a no-op without OAuth", func() {
			So(client.Refresh(context.Background()), ShouldBeNil)
		})
	})
}
