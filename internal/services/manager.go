package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/codetrek/forkdb/internal/api"
	"github.com/codetrek/forkdb/internal/auth"
	"github.com/codetrek/forkdb/internal/checkpoint"
	"github.com/codetrek/forkdb/internal/config"
	"github.com/codetrek/forkdb/internal/master"
	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/internal/storage/memory"
	mongostore "github.com/codetrek/forkdb/internal/storage/mongo"
	"github.com/codetrek/forkdb/internal/storage/sqlite"

	"github.com/nats-io/nats.go"
	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/mongo"
)

type Options struct {
	// RunMaster serves the replication endpoints (HTTP and optionally NATS)
	// backed by the configured master store.
	RunMaster bool

	// RunReplicator runs a fork-side replication state per collection. When
	// MasterURL is empty and RunMaster is set, the replicator talks to the
	// in-process master.
	RunReplicator bool

	ListenHost string
}

// Factories are variables so tests can inject fakes.
var (
	masterBackendFactory = defaultMasterBackend
	natsConnectFactory   = nats.Connect
)

type Manager struct {
	cfg  *config.Config
	opts Options

	servers     []*http.Server
	serverNames []string

	tokenService *auth.TokenService

	mongoClient *mongo.Client
	natsConn    *nats.Conn
	natsServers []*master.NATSServer

	checkpointDB *bolt.DB
	forkDB       *sql.DB

	masters map[string]*master.LocalMaster
	stores  map[string]*sqlite.Store
	states  map[string]*replication.State
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	if opts.ListenHost == "" {
		opts.ListenHost = "localhost"
	}
	return &Manager{
		cfg:     cfg,
		opts:    opts,
		masters: make(map[string]*master.LocalMaster),
		stores:  make(map[string]*sqlite.Store),
		states:  make(map[string]*replication.State),
	}
}

func (m *Manager) TokenService() *auth.TokenService {
	return m.tokenService
}

// State returns the replication state for a collection, or nil.
func (m *Manager) State(collection string) *replication.State {
	return m.states[collection]
}

// Store returns the fork-side store for a collection, or nil.
func (m *Manager) Store(collection string) *sqlite.Store {
	return m.stores[collection]
}

func (m *Manager) Init(ctx context.Context) error {
	if m.cfg.Auth.Enabled || m.opts.RunMaster {
		if err := m.initTokenService(); err != nil {
			return fmt.Errorf("init token service: %w", err)
		}
	}

	if m.opts.RunMaster {
		if err := m.initMaster(ctx); err != nil {
			return fmt.Errorf("init master: %w", err)
		}
	}

	if m.opts.RunReplicator {
		if err := m.initReplication(ctx); err != nil {
			return fmt.Errorf("init replication: %w", err)
		}
	}

	return nil
}

func (m *Manager) initTokenService() error {
	key, err := auth.LoadPrivateKey(m.cfg.Auth.PrivateKeyPath)
	if os.IsNotExist(err) {
		log.Printf("[Manager] Generating new private key at %s", m.cfg.Auth.PrivateKeyPath)
		key, err = auth.GeneratePrivateKey()
		if err != nil {
			return err
		}
		if err := auth.SavePrivateKey(m.cfg.Auth.PrivateKeyPath, key); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	m.tokenService = auth.NewTokenService(key, m.cfg.Auth.TokenTTL.Std())
	return nil
}

func (m *Manager) initMaster(ctx context.Context) error {
	conflicts, err := conflictHandler(m.cfg.Replication.ConflictPolicy)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	var validator master.TokenValidator
	if m.cfg.Auth.Enabled {
		validator = m.tokenService
		mux.Handle("POST /v1/auth/token", api.NewAuthHandler(m.tokenService, m.cfg.Auth.TokenTTL.Std()))
	}

	for _, col := range m.cfg.Replication.Collections {
		backend, err := masterBackendFactory(ctx, m, col)
		if err != nil {
			return fmt.Errorf("master backend for %s: %w", col, err)
		}

		lm, err := master.NewLocalMaster(backend, conflicts)
		if err != nil {
			return err
		}
		m.masters[col] = lm

		prefix := "/collections/" + col
		mux.Handle(prefix+"/", http.StripPrefix(prefix, master.NewServer(lm, validator)))
	}

	m.servers = append(m.servers, &http.Server{
		Addr:    listenAddr(m.opts.ListenHost, m.cfg.API.Port),
		Handler: mux,
	})
	m.serverNames = append(m.serverNames, "Replication Gateway")

	if m.cfg.NATS.Enabled {
		nc, err := natsConnectFactory(m.cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		m.natsConn = nc
		for col, lm := range m.masters {
			m.natsServers = append(m.natsServers, master.NewNATSServer(nc, lm, col))
		}
	}

	return nil
}

func (m *Manager) initReplication(ctx context.Context) error {
	conflicts, err := conflictHandler(m.cfg.Replication.ConflictPolicy)
	if err != nil {
		return err
	}

	forkDB, err := sqlite.Open(m.cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open fork store: %w", err)
	}
	m.forkDB = forkDB

	cpDB, err := checkpoint.Open(m.cfg.Storage.CheckpointPath)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	m.checkpointDB = cpDB

	for _, col := range m.cfg.Replication.Collections {
		handler, err := m.masterHandler(col)
		if err != nil {
			return err
		}

		store, err := sqlite.NewStore(forkDB, col)
		if err != nil {
			return err
		}
		m.stores[col] = store

		cps, err := checkpoint.NewBoltStore(cpDB, col)
		if err != nil {
			return err
		}

		state, err := replication.New(replication.Config{
			Collection:     col,
			PullBatchSize:  m.cfg.Replication.PullBatchSize,
			PushBatchSize:  m.cfg.Replication.PushBatchSize,
			RetryDelay:     m.cfg.Replication.RetryDelay.Std(),
			ResyncInterval: m.cfg.Replication.ResyncInterval.Std(),
		}, handler, store, cps, conflicts)
		if err != nil {
			return err
		}

		store.OnLocalWrite(state.NotifyLocalWrite)
		m.states[col] = state
	}

	return nil
}

// masterHandler resolves the upstream for a collection: the remote HTTP
// master when configured, the in-process master otherwise.
func (m *Manager) masterHandler(collection string) (replication.MasterHandler, error) {
	if url := m.cfg.Replication.MasterURL; url != "" {
		token := m.cfg.Replication.MasterToken
		var provider master.TokenProvider
		if token != "" {
			provider = func(context.Context) (string, error) { return token, nil }
		}
		return master.NewHTTPClient(url+"/collections/"+collection, provider), nil
	}

	if lm, ok := m.masters[collection]; ok {
		return lm, nil
	}

	return nil, fmt.Errorf("no master for collection %s: set replication.master_url or enable the master role", collection)
}

func (m *Manager) Run(ctx context.Context) error {
	for i, srv := range m.servers {
		name := m.serverNames[i]
		go func(name string, srv *http.Server) {
			log.Printf("[Manager] %s listening on %s", name, srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[Manager] %s failed: %v", name, err)
			}
		}(name, srv)
	}

	for _, ns := range m.natsServers {
		if err := ns.Start(ctx); err != nil {
			return fmt.Errorf("nats server: %w", err)
		}
	}

	for col, state := range m.states {
		if err := state.Start(ctx); err != nil {
			return fmt.Errorf("start replication for %s: %w", col, err)
		}
		go m.logReplicationErrors(ctx, col, state)
	}

	return nil
}

func (m *Manager) logReplicationErrors(ctx context.Context, collection string, state *replication.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-state.Errors():
			if !ok {
				return
			}
			if err.Fatal {
				log.Printf("[Replication] %s halted: %v", collection, err)
				return
			}
			log.Printf("[Replication] %s: %v", collection, err)
		}
	}
}

func conflictHandler(policy string) (replication.ConflictHandler, error) {
	switch policy {
	case "", "last-write-wins":
		return replication.LastWriteWins(), nil
	case "prefer-master":
		return replication.PreferMaster(), nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", policy)
	}
}

func listenAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func defaultMasterBackend(ctx context.Context, m *Manager, collection string) (master.Backend, error) {
	switch m.cfg.Storage.Backend {
	case "memory":
		return memory.NewMasterStore(collection), nil
	case "mongo":
		if m.mongoClient == nil {
			client, err := mongostore.Connect(ctx, m.cfg.Storage.MongoURI)
			if err != nil {
				return nil, err
			}
			m.mongoClient = client
		}
		store := mongostore.NewMasterStore(m.mongoClient.Database(m.cfg.Storage.DatabaseName), collection)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", m.cfg.Storage.Backend)
	}
}
