package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tally.lopezb.com/internal/tally/blobstore"
	"tally.lopezb.com/internal/tally/calendar"
	"tally.lopezb.com/internal/tally/ingest"
	"tally.lopezb.com/internal/tally/tracker"
)

// pingHandler accepts one signed ping.
func (app *application) pingHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.config.Server.MaxBodyBytes)

	var req ingest.Request

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			app.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		app.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	resp, err := app.pipeline.Ingest(r.Context(), req)
	if err != nil {
		app.writeError(w, ingest.HTTPStatus(err), ingest.PublicMessage(err))
		return
	}

	app.writeJSON(w, http.StatusOK, resp)
}

// statsHandler reports the headline statistics for today.
func (app *application) statsHandler(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			app.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	stats, err := app.tracker.Stats(r.Context(), calendar.DayOf(app.now()), days)
	if err != nil {
		app.logger.Error("failed to compute stats", "error", err)
		app.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	app.writeJSON(w, http.StatusOK, stats)
}

// bucketHandler reports the counts of one day, week or month bucket.
func (app *application) bucketHandler(w http.ResponseWriter, r *http.Request) {
	key, err := calendar.Parse(r.PathValue("key"))
	if err != nil {
		app.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bucket, ok, err := app.tracker.Snapshot(r.Context(), key)
	if err != nil {
		app.logger.Error("failed to load bucket", "key", key.String(), "error", err)
		app.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		app.writeError(w, http.StatusNotFound, "bucket not found")
		return
	}

	app.writeJSON(w, http.StatusOK, bucket.Counts(key.String()))
}

// rawHandler serves persisted estimator state for independent auditing.
func (app *application) rawHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if key != tracker.KeyGlobalHLL && key != tracker.KeyGlobalFilter {
		if _, err := calendar.Parse(key); err != nil {
			app.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	data, err := app.tracker.Raw(r.Context(), key)
	if errors.Is(err, blobstore.ErrNotFound) {
		app.writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		app.logger.Error("failed to load raw state", "key", key, "error", err)
		app.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
