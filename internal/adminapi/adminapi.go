// Package adminapi exposes a minimal HTTP surface for administrative lease
// release, resolving the Open Question spec.md §9 raises about the
// reference's racy copy-mutate-copy-back dashboard write path: "a
// compliant implementation should expose an administrative delete
// endpoint through the server rather than through file copy." This
// package is that endpoint; the dashboard UI itself remains out of scope
// per spec.md §1, specified only by the SQL schema it reads.
package adminapi

import (
	"log/slog"
	"net/http"
)

// LeaseDeleter is the one store operation this API needs.
type LeaseDeleter interface {
	DeleteLease(mac string) error
}

// Handler returns an http.Handler serving DELETE /leases/{mac}, which
// calls store.DeleteLease(mac) and responds 204 on success.
func Handler(store LeaseDeleter, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/leases/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		mac := r.URL.Path[len("/leases/"):]
		if mac == "" {
			http.Error(w, "missing mac address", http.StatusBadRequest)
			return
		}
		if err := store.DeleteLease(mac); err != nil {
			log.Error("admin release failed", "mac", mac, "err", err)
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
		log.Info("admin released lease", "mac", mac)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
