package server

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/ebpf"
	"github.com/fortiblox/bpfvm/pkg/objfile"
	"github.com/fortiblox/bpfvm/pkg/programstore"
	"github.com/fortiblox/bpfvm/pkg/vm/helpers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// textObject wraps text in a minimal relocatable object with a null
// section and a text section.
func textObject(text []byte) []byte {
	const (
		ehdrSize = 64
		shdrSize = 64
	)
	out := make([]byte, ehdrSize, ehdrSize+len(text)+2*shdrSize)
	copy(out, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	binary.LittleEndian.PutUint16(out[16:], 1)   // ET_REL
	binary.LittleEndian.PutUint16(out[18:], 247) // EM_BPF
	binary.LittleEndian.PutUint64(out[40:], uint64(ehdrSize+len(text)))
	binary.LittleEndian.PutUint16(out[58:], shdrSize)
	binary.LittleEndian.PutUint16(out[60:], 2)
	out = append(out, text...)

	out = append(out, make([]byte, shdrSize)...)
	sh := make([]byte, shdrSize)
	binary.LittleEndian.PutUint32(sh[4:], 1)   // SHT_PROGBITS
	binary.LittleEndian.PutUint64(sh[8:], 0x6) // ALLOC|EXECINSTR
	binary.LittleEndian.PutUint64(sh[24:], ehdrSize)
	binary.LittleEndian.PutUint64(sh[32:], uint64(len(text)))
	return append(out, sh...)
}

func returnImm(imm int32) []byte {
	return ebpf.Assemble(
		ebpf.Instruction{Opcode: ebpf.OpMov64Imm, Dst: 0, Imm: imm},
		ebpf.Instruction{Opcode: ebpf.OpExit},
	)
}

// frobProgram calls memfrob over the whole context memory and returns its
// length.
func frobProgram() []byte {
	return ebpf.Assemble(
		ebpf.Instruction{Opcode: ebpf.OpMov64Reg, Dst: 6, Src: 2},
		ebpf.Instruction{Opcode: ebpf.OpCall, Imm: helpers.IndexMemfrob},
		ebpf.Instruction{Opcode: ebpf.OpMov64Reg, Dst: 0, Src: 6},
		ebpf.Instruction{Opcode: ebpf.OpExit},
	)
}

type harness struct {
	srv    *Server
	client *Client
	store  programstore.Store
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store, err := programstore.OpenBolt(programstore.DefaultConfig(filepath.Join(t.TempDir(), "programs.db")))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	srv, err := New(cfg, store, nil, reg)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		store.Close()
	})
	return &harness{srv: srv, client: NewClient(conn), store: store, reg: reg}
}

func TestLoadAndExec(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	object := textObject(returnImm(42))

	resp, err := h.client.Load(ctx, &LoadRequest{Object: object})
	require.NoError(t, err)
	assert.Equal(t, types.ProgramIDOf(object).String(), resp.ProgramID)
	assert.Equal(t, 2, resp.Instructions)
	assert.Equal(t, 0, resp.GlobalMemorySize)
	assert.False(t, resp.Cached)

	again, err := h.client.Load(ctx, &LoadRequest{Object: object})
	require.NoError(t, err)
	assert.True(t, again.Cached)

	out, err := h.client.Exec(ctx, &ExecRequest{ProgramID: resp.ProgramID})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out.Result)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.srv.metrics.loads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.execs.WithLabelValues("ok")))
}

func TestLoadCompressedObject(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	object := textObject(returnImm(3))
	compressed, err := objfile.Compress(object)
	require.NoError(t, err)

	resp, err := h.client.Load(context.Background(), &LoadRequest{Object: compressed})
	require.NoError(t, err)
	assert.Equal(t, types.ProgramIDOf(object).String(), resp.ProgramID)
}

func TestExecReturnsMemory(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	resp, err := h.client.Load(ctx, &LoadRequest{Object: textObject(frobProgram())})
	require.NoError(t, err)

	out, err := h.client.Exec(ctx, &ExecRequest{ProgramID: resp.ProgramID, Memory: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out.Result)
	assert.Equal(t, []byte{'a' ^ 42, 'b' ^ 42, 'c' ^ 42}, out.Memory)
}

func TestLoadInvalidObject(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	_, err := h.client.Load(context.Background(), &LoadRequest{Object: []byte("not an object")})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "not enough data for ELF header")

	infos, err := h.store.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.loads.WithLabelValues("error")))
}

func TestExecErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.client.Exec(ctx, &ExecRequest{ProgramID: "not base58 0OIl"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.Exec(ctx, &ExecRequest{ProgramID: types.ProgramIDOf([]byte("nothing")).String()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	// Reads past the end of empty context memory.
	prog := ebpf.Assemble(
		ebpf.Instruction{Opcode: ebpf.OpLdxdw, Dst: 0, Src: 1},
		ebpf.Instruction{Opcode: ebpf.OpExit},
	)
	resp, err := h.client.Load(ctx, &LoadRequest{Object: textObject(prog)})
	require.NoError(t, err)
	_, err = h.client.Exec(ctx, &ExecRequest{ProgramID: resp.ProgramID})
	assert.Equal(t, codes.Aborted, status.Code(err))
}

func TestExecReloadsEvictedProgram(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheSize = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	first, err := h.client.Load(ctx, &LoadRequest{Object: textObject(returnImm(1))})
	require.NoError(t, err)
	_, err = h.client.Load(ctx, &LoadRequest{Object: textObject(returnImm(2))})
	require.NoError(t, err)

	out, err := h.client.Exec(ctx, &ExecRequest{ProgramID: first.ProgramID})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out.Result)
	assert.Equal(t, 1, h.srv.cache.Len())
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, prometheus.NewRegistry())
	assert.Error(t, err)
}
