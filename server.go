package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	qrcode "github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bugReportRequest struct {
	BugReport string `json:"bugReport"`
}

// SetupRoutes configures the HTTP boundary: the websocket upgrade endpoint
// plus the health/live/metrics/QR endpoints of §6.2.
func SetupRoutes(hub *Hub) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if !hub.CanAccept(ip) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade error: %v", err)
			return
		}

		hub.TrackConnect(ip)

		client := NewClient(hub, conn, ip)
		hub.register <- client

		go client.WritePump()
		go client.ReadPump()
	})

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req bugReportRequest
		if err := json.Unmarshal(body, &req); err != nil || req.BugReport == "" {
			http.Error(w, "missing bugReport", http.StatusBadRequest)
			return
		}
		if hub.db != nil {
			if _, err := hub.db.SaveBugReport(req.BugReport); err != nil {
				log.Printf("bug report save error: %v", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/live", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		hub.matchmaker.TriggerShowIsLive()
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if hub.metrics == nil {
			return
		}
		fmt.Fprint(w, hub.metrics.PrometheusText())
	})

	mux.HandleFunc("/api/match/", func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseMatchQRPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if _, ok := hub.matchmaker.lookupMatch(id); !ok {
			http.NotFound(w, r)
			return
		}
		joinURL := fmt.Sprintf("%s?match=%s", hub.config.ClientURL, id)
		png, err := qrcode.Encode(joinURL, qrcode.Medium, 256)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	})

	return mux
}

// parseMatchQRPath extracts the match id from "/api/match/<id>/qr".
func parseMatchQRPath(path string) (string, bool) {
	const prefix = "/api/match/"
	const suffix = "/qr"
	if len(path) <= len(prefix)+len(suffix) {
		return "", false
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return "", false
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if id == "" {
		return "", false
	}
	return id, true
}
