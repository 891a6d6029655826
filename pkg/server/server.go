// Package server exposes the object loader and VM over gRPC.
//
// Load stores an object file, loads it into a fresh VM with the standard
// helpers and caches the VM by ProgramID. Exec runs a cached VM, reloading
// it from the program store after eviction. Each VM is guarded by its own
// mutex; the VM itself does no locking.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/loader"
	"github.com/fortiblox/bpfvm/pkg/objfile"
	"github.com/fortiblox/bpfvm/pkg/programstore"
	"github.com/fortiblox/bpfvm/pkg/vm"
	"github.com/fortiblox/bpfvm/pkg/vm/helpers"
)

// Config holds server configuration options.
type Config struct {
	// CacheSize is the number of loaded VMs kept in memory.
	CacheSize int

	// MaxMessageSize bounds request and response sizes.
	MaxMessageSize int

	// StackSize and InstructionLimit configure every VM the server creates.
	StackSize        int
	InstructionLimit uint64
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		CacheSize:        128,
		MaxMessageSize:   16 * 1024 * 1024,
		StackSize:        vm.DefaultStackSize,
		InstructionLimit: vm.DefaultInstructionLimit,
	}
}

// entry is a loaded VM and the lock serializing its use.
type entry struct {
	mu sync.Mutex
	vm *vm.VM
}

// Server implements LoaderServer.
type Server struct {
	cfg     Config
	store   programstore.Store
	logger  log.Logger
	metrics *metrics
	cache   *lru.Cache[types.ProgramID, *entry]

	grpc *grpc.Server
}

// New creates a server backed by store. Metrics are registered on reg.
func New(cfg Config, store programstore.Store, logger log.Logger, reg prometheus.Registerer) (*Server, error) {
	if store == nil {
		return nil, errors.New("program store is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		logger:  log.With(logger, "component", "server"),
		metrics: newMetrics(reg),
	}

	cache, err := lru.NewWithEvict[types.ProgramID, *entry](cfg.CacheSize, func(id types.ProgramID, _ *entry) {
		level.Debug(s.logger).Log("msg", "evicted vm", "id", id)
	})
	if err != nil {
		return nil, fmt.Errorf("create vm cache: %w", err)
	}
	s.cache = cache

	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
		grpc.MaxSendMsgSize(cfg.MaxMessageSize),
	)
	RegisterLoaderServer(s.grpc, s)
	return s, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	level.Info(s.logger).Log("msg", "serving", "addr", lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Load implements LoaderServer.
func (s *Server) Load(ctx context.Context, req *LoadRequest) (resp *LoadResponse, err error) {
	defer func() { s.metrics.loads.WithLabelValues(resultLabel(err)).Inc() }()

	object, err := objfile.Decode(req.Object)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	id := types.ProgramIDOf(object)
	if e, ok := s.cache.Get(id); ok {
		return describe(id, e, true), nil
	}

	e, err := s.newEntry(object)
	if err != nil {
		level.Warn(s.logger).Log("msg", "load failed", "id", id, "err", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := s.store.Put(object); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	e = s.add(id, e)

	level.Info(s.logger).Log("msg", "loaded program", "id", id, "instructions", e.vm.NumInstructions())
	return describe(id, e, false), nil
}

// Exec implements LoaderServer.
func (s *Server) Exec(ctx context.Context, req *ExecRequest) (resp *ExecResponse, err error) {
	defer func() { s.metrics.execs.WithLabelValues(resultLabel(err)).Inc() }()

	id, err := types.ParseProgramID(req.ProgramID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	mem := append([]byte(nil), req.Memory...)
	start := time.Now()
	r0, err := e.vm.Exec(mem)
	s.metrics.execDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return &ExecResponse{Result: r0, Memory: mem}, nil
}

// lookup returns the cached VM for id, reloading it from the store on a
// cache miss.
func (s *Server) lookup(id types.ProgramID) (*entry, error) {
	if e, ok := s.cache.Get(id); ok {
		return e, nil
	}

	object, err := s.store.Get(id)
	if errors.Is(err, programstore.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "program %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	e, err := s.newEntry(object)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	level.Debug(s.logger).Log("msg", "reloaded program from store", "id", id)
	return s.add(id, e), nil
}

// add caches e unless another request cached the same program first, in
// which case the existing entry wins.
func (s *Server) add(id types.ProgramID, e *entry) *entry {
	if found, _ := s.cache.ContainsOrAdd(id, e); found {
		if existing, ok := s.cache.Get(id); ok {
			e = existing
		}
	}
	s.metrics.cachedVMs.Set(float64(s.cache.Len()))
	return e
}

func (s *Server) newEntry(object []byte) (*entry, error) {
	v := vm.New(
		vm.WithLogger(log.With(s.logger, "component", "vm")),
		vm.WithStackSize(s.cfg.StackSize),
		vm.WithInstructionLimit(s.cfg.InstructionLimit),
	)
	if err := helpers.Register(v); err != nil {
		return nil, err
	}
	if err := loader.LoadObject(v, object); err != nil {
		return nil, err
	}
	return &entry{vm: v}, nil
}

func describe(id types.ProgramID, e *entry, cached bool) *LoadResponse {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &LoadResponse{
		ProgramID:        id.String(),
		Instructions:     e.vm.NumInstructions(),
		GlobalMemorySize: e.vm.GlobalMemory().Size(),
		Cached:           cached,
	}
}
