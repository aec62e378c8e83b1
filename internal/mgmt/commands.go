package mgmt

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-appshell/internal/deploy"
	"github.com/sirosfoundation/go-appshell/internal/state"
	"github.com/sirosfoundation/go-appshell/internal/storage"
	"github.com/sirosfoundation/go-appshell/pkg/logging"
)

type commandFunc func(r *request) (any, error)

func (h *Handler) commandTable() map[string]commandFunc {
	return map[string]commandFunc{
		"config":       h.cmdConfig,
		"stats":        h.cmdStats,
		"logs":         h.cmdLogs,
		"combinedlogs": h.cmdCombinedLogs,
		"exit":         h.cmdExit,
		"runcli":       h.cmdRunCLI,
		"writefiles":   h.cmdWriteFiles,
		"deploy":       h.cmdDeploy,
		"getconfig":    h.cmdGetConfig,
		"setconfig":    h.cmdSetConfig,
		"info":         h.cmdInfo,
		"worker":       h.cmdWorker,
	}
}

func (h *Handler) cmdConfig(*request) (any, error) {
	return h.opts.ShellConfig, nil
}

type memoryStats struct {
	Alloc     uint64 `json:"alloc"`
	HeapAlloc uint64 `json:"heapAlloc"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"numGC"`
}

var executableSha = sync.OnceValue(func() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	f, err := os.Open(exe)
	if err != nil {
		return ""
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return ""
	}
	return hex.EncodeToString(sum.Sum(nil))
})

func (h *Handler) cmdStats(*request) (any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := map[string]any{
		"shellVersion":    state.ShellVersion,
		"shellSha":        executableSha(),
		"memory":          memoryStats{Alloc: ms.Alloc, HeapAlloc: ms.HeapAlloc, Sys: ms.Sys, NumGC: ms.NumGC},
		"uptime":          time.Since(h.started).Seconds(),
		"goVersion":       runtime.Version(),
		"argv":            os.Args,
		"numMgmtRequests": h.Requests(),
		"encryption":      true,
		"onlyEncrypted":   h.opts.OnlyEncrypted,
		"versionStamp":    "v21",
	}
	if h.deps.ContentServed != nil {
		stats["numContentRequests"] = h.deps.ContentServed()
	}
	if h.deps.State != nil {
		st := h.deps.State.State()
		stats["numDeploys"] = st.NumDeploys
		stats["deployedId"] = st.DeployedID
		stats["dmeta"] = st.DMeta
	}
	if h.deps.Pool != nil {
		stats["pool"] = h.deps.Pool.Stats()
	}
	return stats, nil
}

func (h *Handler) snapshot() logging.Snapshot {
	if h.deps.Recorder == nil {
		return logging.Snapshot{Error: []logging.Entry{}, Info: []logging.Entry{}, Debug: []logging.Entry{}}
	}
	return h.deps.Recorder.Snapshot()
}

func (h *Handler) cmdLogs(*request) (any, error) {
	s := h.snapshot()
	return map[string]any{
		"shellVersion": state.ShellVersion,
		"error":        s.Error,
		"info":         s.Info,
		"debug":        s.Debug,
	}, nil
}

func (h *Handler) cmdCombinedLogs(*request) (any, error) {
	logs := []logging.Entry{}
	if h.deps.Recorder != nil {
		logs = h.deps.Recorder.Combined()
	}
	return map[string]any{
		"shellVersion": state.ShellVersion,
		"logs":         logs,
	}, nil
}

func (h *Handler) cmdExit(*request) (any, error) {
	h.logger.Info("Exit requested")
	if h.deps.Exit != nil {
		// let the response go out first
		time.AfterFunc(100*time.Millisecond, h.deps.Exit)
	}
	return map[string]string{"msg": "This probably won't make it out."}, nil
}

func (h *Handler) applyFiles(r *request, payload *deploy.Payload) error {
	if h.deps.Deployer == nil {
		return statusErr(http.StatusBadRequest, "deployment is not available")
	}
	res, err := h.deps.Deployer.Apply(r.ctx(), payload.Files)
	if err != nil {
		return err
	}
	h.logger.Info("Files applied",
		zap.Int("written", len(res.Written)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return nil
}

func deployStatus(err error) any {
	if err != nil {
		return map[string]string{"status": "error", "message": err.Error()}
	}
	return map[string]string{"status": "ok"}
}

func (h *Handler) cmdWriteFiles(r *request) (any, error) {
	var payload deploy.Payload
	if err := r.decode(&payload); err != nil {
		return nil, err
	}
	if h.deps.State != nil {
		if err := h.deps.State.Update(func(st *state.State) {
			st.DownloadedFiles = map[string]string{}
		}); err != nil {
			return nil, err
		}
	}
	err := h.applyFiles(r, &payload)
	var se *StatusError
	if errors.As(err, &se) {
		return nil, err
	}
	return deployStatus(err), nil
}

func (h *Handler) cmdDeploy(r *request) (any, error) {
	var payload deploy.Payload
	if err := r.decode(&payload); err != nil {
		return nil, err
	}
	if h.deps.Pool != nil {
		h.deps.Pool.Suppress(DeploySuppress)
	}

	if h.deps.State != nil {
		dmeta := map[string]any{}
		for k, v := range payload.DMeta {
			dmeta[k] = v
		}
		dmeta["activationtime"] = time.Now().Unix()
		if err := h.deps.State.Update(func(st *state.State) {
			st.NumDeploys++
			st.DeployedID = ""
			st.DMeta = dmeta
		}); err != nil {
			return nil, err
		}
	}

	if err := h.applyFiles(r, &payload); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, err
		}
		h.logger.Error("Deploy failed", zap.Error(err))
		return deployStatus(err), nil
	}

	if h.deps.Pool != nil {
		h.deps.Pool.TriggerReload()
	}
	return deployStatus(nil), nil
}

func (h *Handler) cmdGetConfig(r *request) (any, error) {
	if h.deps.Channel == nil {
		return nil, statusErr(http.StatusBadRequest, "get config only available when a config channel is configured")
	}
	doc, err := h.deps.Channel.Get(r.ctx(), storage.ConfigDocument)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Document{"AppSettings": []any{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (h *Handler) cmdSetConfig(r *request) (any, error) {
	if h.deps.Channel == nil {
		return nil, statusErr(http.StatusBadRequest, "set config only available when a config channel is configured")
	}
	var patch storage.Document
	if err := r.decode(&patch); err != nil {
		return nil, err
	}
	delete(patch, "minVersion")

	ctx := r.ctx()
	doc, err := h.deps.Channel.Get(ctx, storage.ConfigDocument)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	doc = storage.Merge(doc, patch)
	if err := h.deps.Channel.Put(ctx, storage.ConfigDocument, doc); err != nil {
		return nil, err
	}

	change, err := h.deps.Channel.Get(ctx, storage.ChangeDocument)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if change == nil {
		change = storage.Document{}
	}
	change["did"] = uuid.NewString()
	if err := h.deps.Channel.Put(ctx, storage.ChangeDocument, change); err != nil {
		return nil, err
	}

	if h.deps.OnConfig != nil {
		h.deps.OnConfig(doc)
	}
	return doc, nil
}
