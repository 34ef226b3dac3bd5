package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/imagingworks/seriesrelay/internal/pacsquery"
	"github.com/imagingworks/seriesrelay/internal/seriesrelay"
	"github.com/imagingworks/seriesrelay/internal/storeindex"
	"github.com/imagingworks/seriesrelay/internal/wschannel"
)

func main() {
	source := flag.String("source", os.Getenv("SERIESRELAY_SOURCE"), "PACS source name")
	patientID := flag.String("mrn", "", "patient id / MRN filter")
	accession := flag.String("accession", "", "accession number filter")
	studyUID := flag.String("study", "", "StudyInstanceUID filter")
	seriesUID := flag.String("series", "", "SeriesInstanceUID filter")
	pull := flag.Bool("pull", false, "trigger retrieval of series not yet in storage")
	flag.Parse()

	queryURL := envOr("SERIESRELAY_QUERY_URL", "http://localhost:4005")
	notifyURL := envOr("SERIESRELAY_NOTIFY_URL", "ws://localhost:4006/ws")
	storeDSN := envOr("SERIESRELAY_STORE_DSN", "memory://")
	httpTimeout := durationEnv("SERIESRELAY_HTTP_TIMEOUT", 15*time.Second)
	ackTimeout := durationEnv("SERIESRELAY_ACK_TIMEOUT", 30*time.Second)

	if *source == "" {
		log.Fatalf("source is required (--source or SERIESRELAY_SOURCE)")
	}

	checker, err := storeindex.BuildCheckerFromDSN(storeDSN)
	if err != nil {
		log.Fatalf("failed to initialize existence backend: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queryClient := pacsquery.NewClient(queryURL, httpTimeout)
	result, err := queryClient.Query(ctx, *source, pacsquery.Filter{
		PatientID:         *patientID,
		AccessionNumber:   *accession,
		StudyInstanceUID:  *studyUID,
		SeriesInstanceUID: *seriesUID,
	})
	if err != nil {
		log.Fatalf("query failed: %v", err)
	}
	if result.Truncated {
		log.Printf("warning: result set truncated at %d studies; narrow the filter", pacsquery.DefaultLimit)
	}
	if len(result.Studies) == 0 {
		log.Printf("no studies matched")
		return
	}

	session := newPullSession(result.Studies)
	conn, err := wschannel.Dial(ctx, notifyURL, nil)
	if err != nil {
		log.Fatalf("failed to connect to notification channel at %s: %v", notifyURL, err)
	}
	subscriber := seriesrelay.NewSubscriber(conn, seriesrelay.DecodeLenient)
	if err := subscriber.Bind(session); err != nil {
		log.Fatalf("failed to bind notification handlers: %v", err)
	}
	go func() {
		if err := conn.ReadLoop(ctx, subscriber.Route); err != nil {
			log.Printf("notification channel failed: %v", err)
			stop()
		}
	}()

	var wg sync.WaitGroup
	for _, key := range session.keys() {
		wg.Add(1)
		go func(key seriesrelay.SeriesKey) {
			defer wg.Done()
			session.track(ctx, key, subscriber, checker, queryClient, *pull, ackTimeout)
		}(key)
	}
	wg.Wait()

	session.printViews()
	unsubCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := subscriber.UnsubscribeAll(unsubCtx); err != nil {
		log.Printf("unsubscribe-all failed: %v", err)
	}
	if err := subscriber.Close(); err != nil {
		log.Printf("close failed: %v", err)
	}
}

// pullSession owns the per-search state: query results plus the three
// independently updated inputs the merge reconciles.
type pullSession struct {
	mu      sync.Mutex
	studies []seriesrelay.StudyInfo
	tracker *seriesrelay.Tracker
	checks  *seriesrelay.SeriesMap[seriesrelay.ExistenceOutcome]
	pulls   *seriesrelay.SeriesMap[seriesrelay.PullRequestState]
}

func newPullSession(studies []seriesrelay.StudyInfo) *pullSession {
	s := &pullSession{
		studies: studies,
		checks:  seriesrelay.NewSeriesMap[seriesrelay.ExistenceOutcome](),
		pulls:   seriesrelay.NewSeriesMap[seriesrelay.PullRequestState](),
	}
	s.tracker = seriesrelay.NewTracker(s.logUpdate)
	return s
}

func (s *pullSession) OnProgress(source, seriesUID string, ndicom int) {
	s.tracker.OnProgress(source, seriesUID, ndicom)
}

func (s *pullSession) OnDone(source, seriesUID string) {
	s.tracker.OnDone(source, seriesUID)
}

func (s *pullSession) OnError(source, seriesUID, message string) {
	s.tracker.OnError(source, seriesUID, message)
}

// OnBadMessage makes the lenient decode policy visible without killing the
// channel.
func (s *pullSession) OnBadMessage(_ []byte, err error) {
	log.Printf("dropped undecodable message: %v", err)
}

func (s *pullSession) keys() []seriesrelay.SeriesKey {
	var keys []seriesrelay.SeriesKey
	for _, study := range s.studies {
		for _, series := range study.Series {
			keys = append(keys, series.Key)
		}
	}
	return keys
}

// track drives one series through its lifecycle: subscribe, existence check,
// optional pull trigger, then wait for done or already-present.
func (s *pullSession) track(ctx context.Context, key seriesrelay.SeriesKey, subscriber *seriesrelay.Subscriber, checker storeindex.Checker, queryClient *pacsquery.Client, pull bool, ackTimeout time.Duration) {
	subCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	resolved, err := subscriber.Subscribe(subCtx, key.Source, key.SeriesUID)
	if err != nil {
		log.Printf("%s: subscribe failed: %v", key, err)
		return
	}
	s.tracker.MarkSubscribed(resolved)

	s.setOutcome(key, seriesrelay.ExistenceOutcome{Requested: true, Pending: true})
	outcome := storeindex.Resolve(ctx, checker, key)
	s.setOutcome(key, outcome)

	if outcome.Found != nil {
		log.Printf("%s: already in storage (%s)", key, outcome.Found.ID)
		return
	}
	if !pull {
		return
	}
	if err := queryClient.Retrieve(ctx, key.Source, key.SeriesUID); err != nil {
		s.tracker.OnError(key.Source, key.SeriesUID, err.Error())
		return
	}
	s.setPullRequested(key)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
		if s.tracker.State(key).Done {
			return
		}
	}
}

func (s *pullSession) setOutcome(key seriesrelay.SeriesKey, outcome seriesrelay.ExistenceOutcome) {
	s.mu.Lock()
	s.checks.Set(key, outcome)
	s.mu.Unlock()
}

func (s *pullSession) setPullRequested(key seriesrelay.SeriesKey) {
	s.mu.Lock()
	s.pulls.Set(key, seriesrelay.PullRequested)
	s.mu.Unlock()
}

func (s *pullSession) logUpdate(key seriesrelay.SeriesKey) {
	state := s.tracker.State(key)
	log.Printf("%s: received=%d done=%v errors=%d", key, state.ReceivedCount, state.Done, len(state.Errors))
}

func (s *pullSession) printViews() {
	s.mu.Lock()
	views := seriesrelay.MergeStudies(s.studies, s.tracker, s.checks, s.pulls)
	s.mu.Unlock()
	for _, study := range views {
		fmt.Printf("study %s (%s)\n", study.Info.StudyInstanceUID, study.Info.Description)
		for _, series := range study.Series {
			line := fmt.Sprintf("  series %s [%s] %d/%d", series.Info.Key.SeriesUID, series.State, series.ReceivedCount, series.Info.InstanceCount)
			if series.Found != nil {
				line += fmt.Sprintf(" resource=%s", series.Found.ID)
			}
			for _, errMessage := range series.Errors {
				line += fmt.Sprintf(" error=%q", errMessage)
			}
			fmt.Println(line)
		}
	}
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
