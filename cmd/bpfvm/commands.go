package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortiblox/bpfvm/internal/types"
	"github.com/fortiblox/bpfvm/pkg/config"
	"github.com/fortiblox/bpfvm/pkg/loader"
	"github.com/fortiblox/bpfvm/pkg/objfile"
	"github.com/fortiblox/bpfvm/pkg/programstore"
	"github.com/fortiblox/bpfvm/pkg/server"
	"github.com/fortiblox/bpfvm/pkg/vm"
	"github.com/fortiblox/bpfvm/pkg/vm/helpers"
)

// newVM creates a VM configured from cfg with the standard helpers.
func newVM(cfg config.Config) (*vm.VM, error) {
	opts := append(cfg.VMOptions(), vm.WithLogger(log.With(logger, "component", "vm")))
	v := vm.New(opts...)
	if err := helpers.Register(v); err != nil {
		return nil, err
	}
	return v, nil
}

// loadObject decodes and loads object bytes into a fresh VM.
func loadObject(cfg config.Config, object []byte) (*vm.VM, error) {
	v, err := newVM(cfg)
	if err != nil {
		return nil, err
	}
	if err := loader.LoadObject(v, object); err != nil {
		return nil, err
	}
	return v, nil
}

func loadFile(out io.Writer, cfg config.Config, path string) error {
	object, err := objfile.Read(path)
	if err != nil {
		return err
	}
	v, err := loadObject(cfg, object)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	fmt.Fprintf(out, "%s\n", path)
	fmt.Fprintf(out, "  program id:    %s\n", types.ProgramIDOf(object))
	fmt.Fprintf(out, "  object size:   %s\n", humanize.IBytes(uint64(len(object))))
	fmt.Fprintf(out, "  instructions:  %s\n", humanize.Comma(int64(v.NumInstructions())))
	if gm := v.GlobalMemory(); gm.Initialized() {
		fmt.Fprintf(out, "  global memory: %s at 0x%x\n", humanize.IBytes(uint64(gm.Size())), gm.Base())
	} else {
		fmt.Fprintf(out, "  global memory: none\n")
	}
	return nil
}

func runFile(out io.Writer, cfg config.Config, path, memPath string) error {
	object, err := objfile.Read(path)
	if err != nil {
		return err
	}
	return execObject(out, cfg, object, memPath)
}

func execObject(out io.Writer, cfg config.Config, object []byte, memPath string) error {
	v, err := loadObject(cfg, object)
	if err != nil {
		return err
	}

	var mem []byte
	if memPath != "" {
		if mem, err = os.ReadFile(memPath); err != nil {
			return err
		}
	}

	start := time.Now()
	r0, err := v.Exec(mem)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "executed", "duration", time.Since(start))
	fmt.Fprintf(out, "%d (0x%x)\n", r0, r0)
	return nil
}

func listHelpers(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tNAME")
	for i, name := range helpers.Names() {
		fmt.Fprintf(w, "%d\t%s\n", i, name)
	}
	return w.Flush()
}

func openStore(cfg config.Config) (programstore.Store, error) {
	sc := cfg.ProgramStore()
	sc.Logger = logger
	return programstore.Open(sc)
}

func storePut(out io.Writer, cfg config.Config, paths []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, path := range paths {
		object, err := objfile.Read(path)
		if err != nil {
			return err
		}
		// Only objects that load cleanly are stored.
		if _, err := loadObject(cfg, object); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		id, err := store.Put(object)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", id, path)
	}
	return nil
}

func storeList(out io.Writer, cfg config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROGRAM ID\tSIZE\tSTORED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, humanize.IBytes(uint64(info.Size)), humanize.Time(info.StoredAt))
	}
	return w.Flush()
}

func storeRun(out io.Writer, cfg config.Config, rawID, memPath string) error {
	id, err := types.ParseProgramID(rawID)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	object, err := store.Get(id)
	if err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	return execObject(out, cfg, object, memPath)
}

func storeRemove(out io.Writer, cfg config.Config, rawID string) error {
	id, err := types.ParseProgramID(rawID)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(id); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	fmt.Fprintf(out, "deleted %s\n", id)
	return nil
}

func serve(ctx context.Context, cfg config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := server.New(cfg.GRPCServer(), store, logger, reg)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			level.Info(logger).Log("msg", "serving metrics", "addr", cfg.Server.MetricsAddress)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				level.Error(logger).Log("msg", "metrics server failed", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.Stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	return <-errCh
}
