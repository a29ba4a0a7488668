// ABOUTME: Minimal fake agent for local development and E2E testing
// ABOUTME: Serves the agent query contract over HTTP with canned answers

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/finsight/chatgate/internal/agent"
)

func main() {
	addr := flag.String("addr", "localhost:8090", "listen address")
	delay := flag.Duration("delay", 200*time.Millisecond, "artificial answer delay")
	flag.Parse()

	if err := run(*addr, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, delay time.Duration) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var q agent.Query
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		log.Printf("query [%s] (%d history turns): %s", q.ConversationID, len(q.History), q.Question)
		time.Sleep(delay)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(answer(q))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake agent listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func answer(q agent.Query) agent.Result {
	lower := strings.ToLower(q.Question)

	switch {
	case strings.Contains(lower, "fail"):
		// lets operators exercise the gateway's error path on demand
		return agent.Result{Error: "simulated agent failure"}
	case strings.Contains(lower, "revenue"):
		return agent.Result{Answer: "Total revenue for the period was **$4.2M**, up 8% year over year."}
	case strings.Contains(lower, "margin"):
		return agent.Result{Answer: "Gross margin held at 62%, with a 1.5pt improvement in services."}
	case strings.Contains(lower, "history"):
		return agent.Result{Answer: fmt.Sprintf("I can see %d prior turns in this conversation.", len(q.History))}
	}

	return agent.Result{Answer: fmt.Sprintf("Echo: **%s**\n\nThis is a canned answer from the fake agent.", q.Question)}
}
