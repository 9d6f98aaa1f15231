package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/tesserai/tessera/engine/domain"
	"github.com/tesserai/tessera/engine/lineage"
	"github.com/tesserai/tessera/engine/retrieve"
	"github.com/tesserai/tessera/engine/runtime"
	"github.com/tesserai/tessera/engine/worker"
)

const (
	defaultTopK     = 5
	maxUploadMemory = 64 << 20
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// decodeBody tolerates an empty body; only malformed JSON is an
// error.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func handleHealth(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, rt.Health(r.Context()))
	}
}

func handleReload(rt *runtime.Runtime, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Build(r.Context()); err != nil {
			logger.Error("reload failed", "error", err)
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := rt.Warmup(r.Context()); err != nil {
			logger.Warn("warmup incomplete after reload", "error", err)
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type uploadedFile struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SavePath    string `json:"save_path"`
}

func handleUpload(rt *runtime.Runtime, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := rt.Config()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			respondError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		dir := cfg.Ingest.UploadDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "tessera", "uploads")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("upload dir", "dir", dir, "error", err)
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		saved := []uploadedFile{}
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				if fh.Filename == "" {
					respondError(w, http.StatusBadRequest, "file without a filename")
					return
				}
				// Base strips any client-supplied directory part.
				name := filepath.Base(fh.Filename)
				dst := filepath.Join(dir, name)
				if err := saveUpload(fh, dst); err != nil {
					logger.Error("upload save failed", "file", name, "error", err)
					respondError(w, http.StatusInternalServerError, err.Error())
					return
				}
				saved = append(saved, uploadedFile{
					Filename:    name,
					ContentType: fh.Header.Get("Content-Type"),
					SavePath:    dst,
				})
			}
		}
		respondJSON(w, http.StatusOK, map[string][]uploadedFile{"files": saved})
	}
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var ingestKinds = map[string]worker.Kind{
	"path":      worker.KindIngestPath,
	"path_list": worker.KindIngestPathList,
	"url":       worker.KindIngestURL,
	"url_list":  worker.KindIngestURLList,
}

type ingestRequest struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// handleIngest submits a background job and reports accepted no
// matter how the job later fares; clients poll /v1/job for the
// outcome. Only an unparseable body or a stopped worker is an error.
func handleIngest(rt *runtime.Runtime, jobs *worker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := ingestKinds[r.PathValue("kind")]
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown ingest kind")
			return
		}
		var req ingestRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		cfg, err := rt.Config()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		args := map[string]string{}
		if kind == worker.KindIngestURL {
			args["url"] = req.URL
		} else {
			args["path"] = req.Path
		}
		job, err := jobs.Submit(kind, args, cfg)
		// A full queue already recorded the job as FAILED; that is
		// still an accepted submission.
		if err != nil && !errors.Is(err, domain.ErrBusy) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "accepted", "job_id": job.ID})
	}
}

type jobRequest struct {
	JobID string `json:"job_id"`
	Rm    bool   `json:"rm"`
}

func handleJob(jobs *worker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.JobID == "" {
			if req.Rm {
				jobs.PruneTerminal()
			}
			listing := map[string]worker.Status{}
			for _, j := range jobs.List() {
				listing[j.ID] = j.Status
			}
			respondJSON(w, http.StatusOK, listing)
			return
		}
		if req.Rm {
			switch err := jobs.Remove(req.JobID); {
			case errors.Is(err, domain.ErrJobNotFound):
				respondError(w, http.StatusBadRequest, "unknown job id")
			case errors.Is(err, domain.ErrJobActive):
				respondError(w, http.StatusBadRequest, "job is still pending or running")
			case err != nil:
				respondError(w, http.StatusInternalServerError, err.Error())
			default:
				respondJSON(w, http.StatusOK, map[string]string{"status": "removed", "job_id": req.JobID})
			}
			return
		}
		job, err := jobs.Get(req.JobID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "unknown job id")
			return
		}
		respondJSON(w, http.StatusOK, job)
	}
}

// handleLineage reports the provenance chain of one stored chunk,
// nearest source first.
func handleLineage(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := rt.Provenance()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec == nil {
			respondError(w, http.StatusBadRequest, "lineage is not configured")
			return
		}
		sources, err := rec.Sources(r.Context(), r.PathValue("node"))
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if sources == nil {
			sources = []lineage.Source{}
		}
		respondJSON(w, http.StatusOK, map[string][]lineage.Source{"sources": sources})
	}
}

type queryRequest struct {
	Query string `json:"query"`
	Path  string `json:"path"`
	TopK  int    `json:"topk"`
	Mode  string `json:"mode"`
}

type documentMeta struct {
	ID        string          `json:"id"`
	Modality  domain.Modality `json:"modality"`
	MediaPath string          `json:"media_path,omitempty"`
	domain.BasicMeta
}

type queryDocument struct {
	Text     string       `json:"text"`
	Metadata documentMeta `json:"metadata"`
	Score    float64      `json:"score"`
}

func handleQuery(rt *runtime.Runtime, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng, err := rt.Retriever()
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		var req queryRequest
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		topK := req.TopK
		if topK <= 0 {
			topK = defaultTopK
		}

		ctx := r.Context()
		pair := r.PathValue("pair")
		var hits []domain.Scored
		switch pair {
		case "text_text":
			mode := eng.DefaultMode()
			if req.Mode != "" {
				mode, err = retrieve.ParseMode(req.Mode)
				if err != nil {
					respondError(w, http.StatusBadRequest, err.Error())
					return
				}
			}
			hits, err = eng.TextToText(ctx, req.Query, topK, mode)
		case "text_image":
			hits, err = eng.TextToImage(ctx, req.Query, topK)
		case "image_image":
			hits, err = eng.ImageToImage(ctx, req.Path, topK)
		case "text_audio":
			hits, err = eng.TextToAudio(ctx, req.Query, topK)
		case "audio_audio":
			hits, err = eng.AudioToAudio(ctx, req.Path, topK)
		case "text_video":
			hits, err = eng.TextToVideo(ctx, req.Query, topK)
		case "image_video":
			hits, err = eng.ImageToVideo(ctx, req.Path, topK)
		case "audio_video":
			hits, err = eng.AudioToVideo(ctx, req.Path, topK)
		case "video_video":
			hits, err = eng.VideoToVideo(ctx, req.Path, topK)
		default:
			respondError(w, http.StatusBadRequest, "unknown query pair")
			return
		}
		if err != nil {
			status := queryStatus(err)
			if status == http.StatusInternalServerError {
				logger.Error("query failed", "pair", pair, "error", err)
			}
			respondError(w, status, err.Error())
			return
		}

		docs := make([]queryDocument, 0, len(hits))
		for _, h := range hits {
			docs = append(docs, queryDocument{
				Text: h.Node.Text,
				Metadata: documentMeta{
					ID:        h.Node.ID,
					Modality:  h.Node.Modality,
					MediaPath: h.Node.MediaPath,
					BasicMeta: h.Node.Meta,
				},
				Score: h.Score,
			})
		}
		respondJSON(w, http.StatusOK, map[string][]queryDocument{"documents": docs})
	}
}

// queryStatus maps retrieval failures onto HTTP codes: client input
// and unconfigured modalities are 400, synchronous retrieval of
// modalities without a single-string contract is 501, everything else
// is a backend failure.
func queryStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery),
		errors.Is(err, domain.ErrInvalidTopK),
		errors.Is(err, domain.ErrModalityDisabled):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSyncRetrieve):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
