package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"visor/internal/auth"
	"visor/internal/capture"
	"visor/internal/pipeline"
	"visor/internal/predict"
	"visor/internal/record"
	"visor/internal/server"
	"visor/internal/store"
	"visor/internal/ws"
)

func main() {
	var (
		addrF      = flag.String("addr", ":8080", "HTTP listen address")
		detectorF  = flag.String("detector", "http://localhost:9001", "Detector service endpoint")
		dataDirF   = flag.String("data-dir", "./data", "Directory for the emission journal database")
		recDirF    = flag.String("recordings", "./recordings", "Directory for recorded video files")
		noJournalF = flag.Bool("no-journal", false, "Disable the SQLite emission journal")
	)
	flag.Parse()

	if env := os.Getenv("DETECTOR_ENDPOINT"); env != "" {
		*detectorF = env
	}
	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*addrF = env
	}

	log.SetPrefix("[visord] ")
	log.SetFlags(log.Ltime)

	var st *store.Store
	if !*noJournalF {
		if err := os.MkdirAll(*dataDirF, 0o755); err != nil {
			log.Fatalf("Failed to create data dir: %v", err)
		}
		var err error
		st, err = store.Open(fmt.Sprintf("%s/visor.db", *dataDirF))
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer st.Close()
	}

	source := capture.NewFFmpegSource()
	predictor := predict.NewHTTPPredictor(*detectorF)
	manager := pipeline.NewManager(source, predictor, nil)
	recorder := record.NewRecorder(*recDirF)
	hub := ws.NewHub()
	authenticator := auth.NewAuthenticator()

	srv := &http.Server{
		Addr:    *addrF,
		Handler: server.New(manager, recorder, st, hub, authenticator),
	}

	errc := make(chan error, 1)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		log.Printf("Control API listening on %s (detector: %s)", *addrF, *detectorF)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf("Exiting (%v)", <-errc)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	if _, err := recorder.Stop(); err != nil && !errors.Is(err, record.ErrNotRecording) {
		log.Printf("Recorder shutdown error: %v", err)
	}
	if err := manager.Close(); err != nil {
		log.Printf("Manager shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
}
