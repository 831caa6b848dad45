package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/session"
	"github.com/scanium/scanpipe/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the frame intake server",
	Long: `Exposes the scanning session over HTTP: detector frontends POST frames,
trigger classification, and read back items, overlay tracks and stats.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSession(ctx, "serve", cfg.Store.DatabaseURL != "")
		if err != nil {
			return err
		}
		defer env.Close()

		mux := buildMux(ctx, env.Coordinator, env.Store)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background()) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildMux wires all HTTP routes onto a fresh mux. The store may be nil,
// in which case the persistence routes answer 503.
func buildMux(ctx context.Context, coord *session.Coordinator, st store.Store) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /frames", func(w http.ResponseWriter, r *http.Request) {
		var frame frameWire
		if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		tracks := coord.ProcessFrame(ctx, frame.detections(), frame.roi(), frame.LockedID, frame.goodState())
		writeJSON(w, http.StatusOK, map[string]any{
			"tracks":           tracks,
			"outside_roi_only": coord.OutsideRoiOnly(),
			"items":            len(coord.Items()),
		})
	})

	mux.HandleFunc("POST /classify", func(w http.ResponseWriter, r *http.Request) {
		n := coord.TriggerEnhancedClassification(ctx)
		writeJSON(w, http.StatusAccepted, map[string]int{"dispatched": n})
	})

	mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coord.Items())
	})

	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		it, ok := coord.Item(r.PathValue("id"))
		if !ok {
			http.Error(w, `{"error":"item not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, it)
	})

	mux.HandleFunc("DELETE /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !coord.RemoveItem(r.PathValue("id")) {
			http.Error(w, `{"error":"item not found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /items/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !coord.RetryClassification(ctx, id) {
			http.Error(w, `{"error":"item not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "item": id})
	})

	mux.HandleFunc("GET /overlay", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tracks":           coord.Tracks(),
			"outside_roi_only": coord.OutsideRoiOnly(),
		})
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, coord.Stats())
	})

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"token": coord.SessionToken(),
			"mode":  string(coord.Mode()),
		})
	})

	mux.HandleFunc("POST /session/mode", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		mode := model.ClassifierMode(req.Mode)
		if mode != model.ModeOnDevice && mode != model.ModeCloud {
			http.Error(w, `{"error":"mode must be on_device or cloud"}`, http.StatusBadRequest)
			return
		}
		coord.SetMode(mode)
		writeJSON(w, http.StatusOK, map[string]string{"mode": req.Mode})
	})

	mux.HandleFunc("POST /session/reset", func(w http.ResponseWriter, r *http.Request) {
		token := coord.StartNewSession()
		zap.L().Info("session reset", zap.String("token", token))
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	})

	mux.HandleFunc("POST /session/save", func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			http.Error(w, `{"error":"no store configured"}`, http.StatusServiceUnavailable)
			return
		}

		token := coord.SessionToken()
		if _, err := st.CreateSession(r.Context(), token); err != nil {
			zap.L().Error("save session", zap.Error(err))
			http.Error(w, `{"error":"create session failed"}`, http.StatusInternalServerError)
			return
		}

		saved := 0
		for _, it := range coord.Items() {
			if err := st.SaveItem(r.Context(), token, it); err != nil {
				zap.L().Error("save item", zap.String("item", it.ID), zap.Error(err))
				continue
			}
			saved++
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "saved": saved})
	})

	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		if st == nil {
			http.Error(w, `{"error":"no store configured"}`, http.StatusServiceUnavailable)
			return
		}
		sessions, err := st.ListSessions(r.Context(), 100)
		if err != nil {
			zap.L().Error("list sessions", zap.Error(err))
			http.Error(w, `{"error":"list sessions failed"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
