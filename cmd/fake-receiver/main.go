package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fake-receiver imitates a remote provisioning API for local runs and
// integration testing: it accepts any JSON body and answers
// 200 {"_id": "..."} the way a real registration endpoint would. Set
// FAIL_FIRST_N to exercise the retry path and EXPECTED_TOKEN to enforce
// bearer auth.

var (
	failFirstN    = 0
	reqCount      = 0
	mu            sync.Mutex
	expectedToken = ""
	responseDelay time.Duration
)

func main() {
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	expectedToken = os.Getenv("EXPECTED_TOKEN")
	if v := os.Getenv("RESPONSE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			responseDelay = time.Duration(n) * time.Millisecond
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/", handleProvision)

	addr := ":8081"
	if v := os.Getenv("FAKE_RECEIVER_PORT"); v != "" {
		addr = v
	}
	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleProvision(w http.ResponseWriter, r *http.Request) {
	mu.Lock()
	reqCount++
	count := reqCount
	mu.Unlock()

	if responseDelay > 0 {
		time.Sleep(responseDelay)
	}

	if expectedToken != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != expectedToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	if count <= failFirstN {
		log.Printf("failing request %d/%d on purpose", count, failFirstN)
		http.Error(w, `{"error":"transient failure"}`, http.StatusInternalServerError)
		return
	}

	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	log.Printf("%s %s (%d bytes)", r.Method, r.URL.Path, len(body))

	id := make([]byte, 8)
	_, _ = rand.Read(id)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"_id":      hex.EncodeToString(id),
		"received": fmt.Sprintf("%s %s", r.Method, r.URL.Path),
	})
}
