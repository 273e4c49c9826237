// fake-receiver is a test endpoint for local development. It verifies
// delivery signatures when ENDPOINT_SECRET is set and can simulate a flaky
// receiver by failing the first N requests, which exercises the retry path
// end to end.
package main

import (
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/driftlock/hookrelay/internal/signing"
)

const (
	sigHeader      = "X-Webhook-Signature"
	deliveryHeader = "X-Webhook-Delivery"
)

type receiver struct {
	secret     string
	failFirstN int64
	reqCount   atomic.Int64
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.secret != "" {
		if !signing.Verify(b, r.Header.Get(sigHeader), []byte(rc.secret)) {
			log.Printf("REJECT delivery=%s: signature does not verify", r.Header.Get(deliveryHeader))
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	if n <= rc.failFirstN {
		log.Printf("FAILING (%d/%d) delivery=%s body=%s", n, rc.failFirstN, r.Header.Get(deliveryHeader), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("OK delivery=%s body=%s", r.Header.Get(deliveryHeader), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func main() {
	rc := &receiver{secret: os.Getenv("ENDPOINT_SECRET")}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rc.failFirstN = int64(n)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)

	addr := os.Getenv("RECEIVER_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
