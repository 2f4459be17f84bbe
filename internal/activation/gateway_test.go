package activation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lmsbridge/internal/config"
	"lmsbridge/internal/credentials"
	bridgeErrors "lmsbridge/internal/errors"
	"lmsbridge/internal/outbox"
	"lmsbridge/internal/signing"
	"lmsbridge/internal/store"
)

type fakeUsers struct {
	created []SuperadminSpec
	err     error
}

func (f *fakeUsers) CreateUser(_ context.Context, spec SuperadminSpec) (ProvisionedUser, error) {
	if f.err != nil {
		return ProvisionedUser{}, f.err
	}
	f.created = append(f.created, spec)
	return ProvisionedUser{ID: int64(len(f.created)), Username: spec.Username}, nil
}

type fakeDir struct {
	known map[int64]bool
}

func (f *fakeDir) Exists(_ context.Context, tenantID int64) (bool, error) {
	return f.known[tenantID], nil
}

type gatewayFixture struct {
	gateway     *Gateway
	deployments *store.DeploymentRepo
	tenants     *store.TenantRepo
	events      *store.OutboxRepo
	state       *StateCache
	users       *fakeUsers
}

func setupGateway(t *testing.T, remoteURL string, multiTenant bool, dir TenantDirectory) *gatewayFixture {
	t.Helper()

	safeName := url.PathEscape(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", safeName)

	writer, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	writer.SetMaxOpenConns(1)
	reader, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	db := &store.DB{Writer: writer, Reader: reader}
	require.NoError(t, store.RunMigrations(writer))
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.RemoteConfig{
		BaseURL:        remoteURL,
		DeploymentURL:  "https://host.example.org",
		Enabled:        true,
		ConnectTimeout: 500 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
		MultiTenant:    multiTenant,
	}

	deployments := store.NewDeploymentRepo(db, nil)
	tenants := store.NewTenantRepo(db)
	events := store.NewOutboxRepo(db)
	creds := credentials.NewProvisioner(store.NewCredentialRepo(db, nil), multiTenant)
	state := NewStateCache(deployments)
	users := &fakeUsers{}

	gateway := NewGateway(NewClient(cfg), deployments, tenants, events, creds, state, users, dir, cfg, 0, "1.4.2")
	return &gatewayFixture{
		gateway:     gateway,
		deployments: deployments,
		tenants:     tenants,
		events:      events,
		state:       state,
		users:       users,
	}
}

func TestActivateDeployment(t *testing.T) {
	ctx := context.Background()

	t.Run("successful activation commits remote state", func(t *testing.T) {
		var gotReq ActivateRequest
		var gotSignature string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/activate", r.URL.Path)
			require.Equal(t, config.PendingInstanceID, r.Header.Get("X-Instance-Id"))
			gotSignature = r.Header.Get("X-Signature")
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &gotReq))
			require.Equal(t, gotSignature, signing.Sign(gotReq.Secret, body))

			json.NewEncoder(w).Encode(map[string]interface{}{
				"instance_id":    "inst-7781",
				"secret":         "remote-issued-secret",
				"contract_start": "2026-01-01",
				"contract_end":   "2026-12-31",
				"features":       map[string]bool{"reporting": true},
				"superadmins": []map[string]string{
					{"username": "ops-admin", "email": "ops@example.org"},
				},
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)

		// A leftover queued event from before this activation must not survive.
		require.NoError(t, fx.events.Insert(ctx, outbox.Event{
			EventID: "stale-1", EventType: "course_viewed", Category: "course",
			Payload: "{}", Epoch: 0,
		}))

		result, err := fx.gateway.ActivateDeployment(ctx, "CODE-123")
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.Equal(t, "inst-7781", result.InstanceID)

		assert.Equal(t, "CODE-123", gotReq.ActivationCode)
		assert.Equal(t, "https://host.example.org", gotReq.DeploymentURL)
		assert.Equal(t, "1.4.2", gotReq.PluginVersion)
		assert.NotEmpty(t, gotReq.ServiceCredential)
		assert.NotEmpty(t, gotSignature)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.True(t, d.Activated)
		assert.Equal(t, "inst-7781", d.InstanceID)
		assert.Equal(t, "remote-issued-secret", d.Secret, "remote-supplied secret supersedes the local one")
		assert.Equal(t, int64(1), d.ActivationEpoch)
		require.NotNil(t, d.ContractEnd)
		assert.Equal(t, 12, d.ContractEnd.UTC().Hour(), "contract dates pin to noon UTC")
		assert.True(t, d.Features["reporting"])

		activated, epoch := fx.state.Snapshot(ctx)
		assert.True(t, activated)
		assert.Equal(t, int64(1), epoch)

		counts, err := fx.events.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Zero(t, counts[outbox.StatusPending], "stale queued events are purged")

		require.Len(t, fx.users.created, 1)
		assert.Equal(t, "ops-admin", fx.users.created[0].Username)
	})

	t.Run("remote rejection surfaces in the result", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "invalid_code",
				"message": "activation code is not valid",
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		result, err := fx.gateway.ActivateDeployment(ctx, "BAD-CODE")
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, "invalid_code", result.ErrorCode)
		assert.Equal(t, "activation code is not valid", result.Message)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.False(t, d.Activated)
		assert.NotEmpty(t, d.Secret, "generated secret persists for the retry")
	})

	t.Run("unreachable control plane is a structured failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		result, err := fx.gateway.ActivateDeployment(ctx, "CODE-123")
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, "connection_failed", result.ErrorCode)
	})

	t.Run("rejected on a multi-tenant deployment", func(t *testing.T) {
		fx := setupGateway(t, "http://unused.invalid", true, &fakeDir{})
		_, err := fx.gateway.ActivateDeployment(ctx, "CODE-123")
		assert.ErrorIs(t, err, bridgeErrors.ErrModeMismatch)
	})
}

func TestActivateTenant(t *testing.T) {
	ctx := context.Background()

	t.Run("first tenant activation registers the deployment", func(t *testing.T) {
		var gotReq TenantActivateRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/activate-tenant", r.URL.Path)
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &gotReq))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"instance_id":  "inst-9001",
				"contract_end": "2027-06-30",
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, true, &fakeDir{known: map[int64]bool{42: true}})
		result, err := fx.gateway.ActivateTenant(ctx, 42, "TEN-CODE")
		require.NoError(t, err)
		assert.True(t, result.OK)

		require.NotNil(t, gotReq.Deployment, "unregistered deployment piggybacks registration")
		assert.Equal(t, "https://host.example.org", gotReq.Deployment.DeploymentURL)
		assert.Equal(t, int64(42), gotReq.TenantID)
		assert.NotEmpty(t, gotReq.ServiceCredential)

		ten, err := fx.tenants.Get(ctx, 42)
		require.NoError(t, err)
		assert.True(t, ten.Enabled)
		require.NotNil(t, ten.ExpiryDate)
		assert.Equal(t, time.Date(2027, 6, 30, 12, 0, 0, 0, time.UTC), ten.ExpiryDate.UTC())

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "inst-9001", d.InstanceID)
		assert.True(t, d.Activated)
		assert.Equal(t, int64(1), d.ActivationEpoch)
	})

	t.Run("reissued instance id purges events queued under the old one", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"instance_id":  "inst-NEW",
				"contract_end": "2027-06-30",
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, true, &fakeDir{known: map[int64]bool{42: true}})
		require.NoError(t, fx.deployments.Save(ctx, store.Deployment{
			InstanceID:      "inst-OLD",
			Secret:          "s3cret",
			Activated:       true,
			ActivationEpoch: 1,
		}))
		fx.state.Invalidate()
		require.NoError(t, fx.events.Insert(ctx, outbox.Event{
			EventID: "old-identity-1", EventType: "course_viewed", Category: "course",
			Payload: "{}", Epoch: 1,
		}))

		result, err := fx.gateway.ActivateTenant(ctx, 42, "TEN-CODE")
		require.NoError(t, err)
		assert.True(t, result.OK)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "inst-NEW", d.InstanceID)
		assert.Equal(t, int64(2), d.ActivationEpoch, "a fresh identity starts a fresh epoch")

		counts, err := fx.events.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Zero(t, counts[outbox.StatusPending], "events queued under the old instance never ship under the new one")
	})

	t.Run("unchanged instance id keeps queued events", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"instance_id":  "inst-OLD",
				"contract_end": "2027-06-30",
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, true, &fakeDir{known: map[int64]bool{42: true}})
		require.NoError(t, fx.deployments.Save(ctx, store.Deployment{
			InstanceID:      "inst-OLD",
			Secret:          "s3cret",
			Activated:       true,
			ActivationEpoch: 1,
		}))
		fx.state.Invalidate()
		require.NoError(t, fx.events.Insert(ctx, outbox.Event{
			EventID: "same-identity-1", EventType: "course_viewed", Category: "course",
			Payload: "{}", Epoch: 1,
		}))

		result, err := fx.gateway.ActivateTenant(ctx, 42, "TEN-CODE")
		require.NoError(t, err)
		assert.True(t, result.OK)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), d.ActivationEpoch)

		counts, err := fx.events.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts[outbox.StatusPending])
	})

	t.Run("unknown tenant is refused before any remote call", func(t *testing.T) {
		fx := setupGateway(t, "http://unused.invalid", true, &fakeDir{known: map[int64]bool{}})
		_, err := fx.gateway.ActivateTenant(ctx, 7, "TEN-CODE")
		assert.ErrorIs(t, err, bridgeErrors.ErrTenantNotFound)
	})

	t.Run("rejected on a single-tenant deployment", func(t *testing.T) {
		fx := setupGateway(t, "http://unused.invalid", false, nil)
		_, err := fx.gateway.ActivateTenant(ctx, 7, "TEN-CODE")
		assert.ErrorIs(t, err, bridgeErrors.ErrModeMismatch)
	})
}

func TestCheckStatus(t *testing.T) {
	ctx := context.Background()

	activate := func(t *testing.T, fx *gatewayFixture, lastCheck time.Time) {
		t.Helper()
		require.NoError(t, fx.deployments.Save(ctx, store.Deployment{
			InstanceID:      "inst-1",
			Secret:          "s3cret",
			Activated:       true,
			ActivationEpoch: 1,
			LastStatusCheck: lastCheck,
		}))
		fx.state.Invalidate()
	}

	t.Run("recent check is rate limited away", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			json.NewEncoder(w).Encode(map[string]string{"status": "active"})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		activate(t, fx, time.Now())

		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.False(t, res.Checked)
		assert.True(t, res.Activated)
		assert.Zero(t, calls)
	})

	t.Run("configured interval widens the rate limit", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			json.NewEncoder(w).Encode(map[string]string{"status": "active"})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		fx.gateway.statusInterval = time.Hour
		// Stale by the default interval but fresh by the configured one.
		activate(t, fx, time.Now().Add(-10*time.Minute))

		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.False(t, res.Checked)
		assert.True(t, res.Activated)
		assert.Zero(t, calls)
	})

	t.Run("force bypasses the interval and refreshes features", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, r.Header.Get("X-Timestamp"))
			assert.Equal(t, "inst-1", r.Header.Get("X-Instance-Id"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":   "active",
				"features": map[string]bool{"exports": true},
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		activate(t, fx, time.Now())

		res, err := fx.gateway.CheckStatus(ctx, true)
		require.NoError(t, err)
		assert.True(t, res.Checked)
		assert.True(t, res.Activated)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.True(t, d.Features["exports"])
	})

	t.Run("remote disable deactivates locally", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "deployment_disabled",
				"message": "deployment disabled by operator",
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		activate(t, fx, time.Time{})

		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.True(t, res.Checked)
		assert.False(t, res.Activated)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.False(t, d.Activated)

		activated, _ := fx.state.Snapshot(ctx)
		assert.False(t, activated)
	})

	t.Run("non-active status short of disabled keeps the activation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":   "maintenance",
				"features": map[string]bool{"exports": true},
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		activate(t, fx, time.Time{})

		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.True(t, res.Checked)
		assert.True(t, res.Activated, "only disabled or expired may deactivate")
		assert.Equal(t, "maintenance", res.Status)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.True(t, d.Activated)
		assert.True(t, d.Features["exports"], "feature flags still refresh")
	})

	t.Run("remote expiry deactivates locally", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "expired"})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		activate(t, fx, time.Time{})

		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.True(t, res.Checked)
		assert.False(t, res.Activated)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.False(t, d.Activated)
	})

	t.Run("signature mismatch never deactivates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{
				"error":  "invalid_signature",
				"detail": "signature verification failed",
			})
		}))
		defer srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		activate(t, fx, time.Time{})

		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.True(t, res.Checked)
		assert.True(t, res.Activated, "secret drift is recoverable, not a disable")

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.True(t, d.Activated)
	})

	t.Run("unreachable control plane keeps local state", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		fx := setupGateway(t, srv.URL, false, nil)
		activate(t, fx, time.Time{})

		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.True(t, res.Activated)
	})

	t.Run("not activated short-circuits", func(t *testing.T) {
		fx := setupGateway(t, "http://unused.invalid", false, nil)
		res, err := fx.gateway.CheckStatus(ctx, false)
		require.NoError(t, err)
		assert.False(t, res.Checked)
		assert.False(t, res.Activated)
	})
}

func TestRemoteDisabled(t *testing.T) {
	ctx := context.Background()

	setupDisabled := func(t *testing.T, remoteURL string, multiTenant bool, dir TenantDirectory) *gatewayFixture {
		t.Helper()
		fx := setupGateway(t, remoteURL, multiTenant, dir)
		fx.gateway.enabled = false
		return fx
	}

	t.Run("activation is refused without a remote call", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))
		defer srv.Close()

		fx := setupDisabled(t, srv.URL, false, nil)
		result, err := fx.gateway.ActivateDeployment(ctx, "CODE-123")
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, "remote_disabled", result.ErrorCode)
		assert.Zero(t, calls)
	})

	t.Run("tenant activation is refused without a remote call", func(t *testing.T) {
		fx := setupDisabled(t, "http://unused.invalid", true, &fakeDir{known: map[int64]bool{42: true}})
		result, err := fx.gateway.ActivateTenant(ctx, 42, "TEN-CODE")
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, "remote_disabled", result.ErrorCode)
	})

	t.Run("status check reports inactive without a remote call", func(t *testing.T) {
		calls := 0
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
		}))
		defer srv.Close()

		fx := setupDisabled(t, srv.URL, false, nil)
		require.NoError(t, fx.deployments.Save(ctx, store.Deployment{
			InstanceID:      "inst-1",
			Secret:          "s3cret",
			Activated:       true,
			ActivationEpoch: 1,
		}))
		fx.state.Invalidate()

		res, err := fx.gateway.CheckStatus(ctx, true)
		require.NoError(t, err)
		assert.False(t, res.Checked)
		assert.False(t, res.Activated, "a disabled integration idles the dispatcher")
		assert.Zero(t, calls)

		d, err := fx.deployments.Get(ctx)
		require.NoError(t, err)
		assert.True(t, d.Activated, "persisted state survives the configuration toggle")
	})
}

func TestParseContractDate(t *testing.T) {
	t.Run("pins to noon UTC", func(t *testing.T) {
		got, err := ParseContractDate("2026-03-15")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC), *got)
	})

	t.Run("empty is absent, not an error", func(t *testing.T) {
		got, err := ParseContractDate("")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("garbage is an error", func(t *testing.T) {
		_, err := ParseContractDate("15/03/2026")
		assert.Error(t, err)
	})
}
