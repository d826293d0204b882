package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/engine"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/status"
	"github.com/NamanBalaji/sharebridge/internal/task"
)

var (
	ErrUnknownMode   = errors.New("not implemented")
	ErrMissingValue  = errors.New("missing value")
	ErrNoSuchItem    = errors.New("no such item")
	errBadPriority   = errors.New("invalid priority")
	errBadValue      = errors.New("invalid value")
	errKeyIncorrect  = errors.New("API Key Incorrect")
	errMissingURLArg = errors.New("expects one parameter")
)

// Queue priorities as the download-client protocol numbers them.
const (
	sabDefault = -100
	sabPaused  = -2
	sabLow     = -1
	sabForce   = 2
)

var priorityNames = map[int]string{0: "Low", 1: "Normal", 2: "High", 3: "Force"}

type statusResponse struct {
	Status bool   `json:"status"`
	Error  string `json:"error,omitempty"`
}

type addResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
}

type queueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	MB         string `json:"mb"`
	MBLeft     string `json:"mbleft"`
	Percentage string `json:"percentage"`
	TimeLeft   string `json:"timeleft"`
	Cat        string `json:"cat"`
	Priority   string `json:"priority"`
	Size       string `json:"size"`
	SizeLeft   string `json:"sizeleft"`
	Index      int    `json:"index"`
}

type queueBody struct {
	Status    string      `json:"status"`
	Paused    bool        `json:"paused"`
	NoOfSlots int         `json:"noofslots"`
	Speed     string      `json:"speed"`
	KBPerSec  string      `json:"kbpersec"`
	SpeedLim  string      `json:"speedlimit_abs"`
	MB        string      `json:"mb"`
	MBLeft    string      `json:"mbleft"`
	TimeLeft  string      `json:"timeleft"`
	Slots     []queueSlot `json:"slots"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	NzbName     string `json:"nzb_name"`
	Status      string `json:"status"`
	FailMessage string `json:"fail_message"`
	Storage     string `json:"storage"`
	Path        string `json:"path"`
	Category    string `json:"category"`
	Bytes       int64  `json:"bytes"`
	Size        string `json:"size"`
	Completed   int64  `json:"completed"`
	URL         string `json:"url"`
}

type historyBody struct {
	NoOfSlots int           `json:"noofslots"`
	Slots     []historySlot `json:"slots"`
}

type fullStatus struct {
	engine.GlobalStats

	Accounts []account.Health `json:"accounts"`
	Batches  []batchStatus    `json:"batches"`
}

type batchStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Percentage string `json:"percentage"`
}

// handleQueue serves the download-client protocol at /api.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, statusResponse{Error: errKeyIncorrect.Error()})
		return
	}

	mode := r.FormValue("mode")

	var err error

	switch mode {
	case "version":
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	case "addurl":
		err = s.addURL(w, r)
	case "queue":
		err = s.queue(w, r)
	case "history":
		err = s.history(w, r)
	case "pause", "resume":
		err = s.toggle(w, mode, r.FormValue("value"))
	case "delete":
		err = s.remove(w, r.FormValue("value"), r.FormValue("del_files") == "1", false)
	case "fullstatus":
		s.fullStatus(w)
	case "config":
		err = s.configure(w, r)
	default:
		err = fmt.Errorf("%w: mode %q", ErrUnknownMode, mode)
	}

	if err != nil {
		logger.Debugf("Queue request %s failed: %v", r.URL.RawQuery, err)
		writeJSON(w, errorCode(err), statusResponse{Error: err.Error()})
	}
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrNoSuchItem), errors.Is(err, engine.ErrTaskNotFound), errors.Is(err, account.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrEngineNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// addURL accepts either url=<links>&name=<title> or the protocol's
// name=<links>&nzbname=<title>. Several comma-separated links form a batch.
func (s *Server) addURL(w http.ResponseWriter, r *http.Request) error {
	links, title := r.FormValue("url"), r.FormValue("name")
	if links == "" {
		links, title = title, r.FormValue("nzbname")
	}

	urls := splitValues(links)
	if len(urls) == 0 {
		return errMissingURLArg
	}

	priority, paused, err := parsePriority(r.FormValue("priority"))
	if err != nil {
		return err
	}

	category := r.FormValue("cat")
	if category == "*" || category == "Default" {
		category = ""
	}

	var tasks []*task.Task

	if len(urls) == 1 {
		t, err := s.engine.AddTask(r.Context(), engine.AddRequest{
			URL:      urls[0],
			Name:     title,
			Category: category,
			Priority: priority,
		})
		if err != nil {
			return err
		}

		tasks = []*task.Task{t}
	} else {
		reqs := make([]engine.AddRequest, 0, len(urls))
		for _, u := range urls {
			reqs = append(reqs, engine.AddRequest{URL: u, Category: category, Priority: priority})
		}

		if _, tasks, err = s.engine.AddBatch(r.Context(), title, reqs); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(tasks))

	for _, t := range tasks {
		ids = append(ids, t.ID.String())

		if paused {
			if err := s.engine.Pause(t.ID); err != nil {
				logger.Warnf("Could not pause new task %s: %v", t.ID, err)
			}
		}
	}

	writeJSON(w, http.StatusOK, addResponse{Status: true, NzoIDs: ids})

	return nil
}

// parsePriority maps the protocol's -1..2 onto 0..3. -100 keeps the
// configured default and -2 adds the task paused.
func parsePriority(raw string) (int, bool, error) {
	if raw == "" {
		return engine.PriorityDefault, false, nil
	}

	p, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", errBadPriority, raw)
	}

	switch {
	case p == sabDefault:
		return engine.PriorityDefault, false, nil
	case p == sabPaused:
		return engine.PriorityDefault, true, nil
	case p >= sabLow && p <= sabForce:
		return p - sabLow, false, nil
	default:
		return 0, false, fmt.Errorf("%w: %d", errBadPriority, p)
	}
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) error {
	switch name := r.FormValue("name"); name {
	case "":
	case "pause", "resume":
		return s.toggle(w, name, r.FormValue("value"))
	case "delete":
		return s.remove(w, r.FormValue("value"), r.FormValue("del_files") == "1", r.FormValue("archive") == "1")
	default:
		return fmt.Errorf("%w: queue action %q", ErrUnknownMode, name)
	}

	active := s.engine.List(func(t *task.Task) bool {
		return !t.State.IsTerminal() && t.State != status.Failed
	})

	inAdmissionOrder(active, s.engine.QueueOrder())

	body := queueBody{Status: "Idle", Slots: make([]queueSlot, 0, len(active))}

	var total, left, speed int64

	allPaused := len(active) > 0

	for i, t := range active {
		body.Slots = append(body.Slots, toQueueSlot(i, t))

		if t.SizeBytes > 0 {
			total += t.SizeBytes
			left += t.Remaining()
		}

		speed += t.SpeedBPS

		if t.State.IsActive() {
			body.Status = "Downloading"
		}

		if t.State != status.Paused {
			allPaused = false
		}
	}

	if allPaused {
		body.Status = "Paused"
	}

	stats := s.engine.Stats()

	body.Paused = allPaused
	body.NoOfSlots = len(body.Slots)
	body.Speed = humanize.Bytes(uint64(speed)) + "/s"
	body.KBPerSec = fmt.Sprintf("%.2f", float64(speed)/1024)
	body.SpeedLim = strconv.FormatInt(stats.SpeedLimit, 10)
	body.MB = megabytes(total)
	body.MBLeft = megabytes(left)
	body.TimeLeft = clock(etaOf(left, speed))

	writeJSON(w, http.StatusOK, map[string]queueBody{"queue": body})

	return nil
}

// inAdmissionOrder puts running and paused tasks first, then the queued ones
// in the order the scheduler will start them.
func inAdmissionOrder(tasks []*task.Task, order []uuid.UUID) {
	rank := make(map[uuid.UUID]int, len(order))
	for i, id := range order {
		rank[id] = i + 1
	}

	key := func(t *task.Task) int {
		if t.State != status.Queued {
			return 0
		}

		if r, ok := rank[t.ID]; ok {
			return r
		}

		return len(order) + 1
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return key(tasks[i]) < key(tasks[j])
	})
}

func toQueueSlot(index int, t *task.Task) queueSlot {
	size, left := t.SizeBytes, t.Remaining()
	if size < 0 {
		size, left = 0, 0
	}

	return queueSlot{
		NzoID:      t.ID.String(),
		Filename:   displayName(t),
		Status:     queueStatus(t.State),
		MB:         megabytes(size),
		MBLeft:     megabytes(left),
		Percentage: strconv.Itoa(int(t.Percentage())),
		TimeLeft:   clock(t.ETA()),
		Cat:        categoryOf(t),
		Priority:   priorityNames[t.Priority],
		Size:       humanize.Bytes(uint64(size)),
		SizeLeft:   humanize.Bytes(uint64(left)),
		Index:      index,
	}
}

func queueStatus(s status.Status) string {
	switch s {
	case status.Resolving:
		return "Fetching"
	case status.Downloading:
		return "Downloading"
	case status.Paused:
		return "Paused"
	default:
		return "Queued"
	}
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) error {
	if r.FormValue("name") == "delete" {
		return s.remove(w, r.FormValue("value"), r.FormValue("del_files") == "1", false)
	}

	done := s.engine.List(func(t *task.Task) bool {
		return t.State.IsTerminal() || t.State == status.Failed
	})

	// newest first
	slots := make([]historySlot, 0, len(done))
	for i := len(done) - 1; i >= 0; i-- {
		slots = append(slots, toHistorySlot(done[i]))
	}

	if limit, err := strconv.Atoi(r.FormValue("limit")); err == nil && limit > 0 && limit < len(slots) {
		slots = slots[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]historyBody{"history": {NoOfSlots: len(slots), Slots: slots}})

	return nil
}

func toHistorySlot(t *task.Task) historySlot {
	slot := historySlot{
		NzoID:    t.ID.String(),
		Name:     displayName(t),
		NzbName:  displayName(t),
		Status:   "Completed",
		Storage:  t.DestinationPath,
		Path:     t.DestinationPath,
		Category: categoryOf(t),
		Bytes:    t.DownloadedBytes,
		Size:     humanize.Bytes(uint64(max(t.DownloadedBytes, 0))),
		URL:      t.OriginalURL,
	}

	switch t.State {
	case status.Completed:
		slot.Completed = t.CompletedAt.Unix()
	case status.Cancelled:
		slot.Status = "Failed"
		slot.FailMessage = "Cancelled"
		slot.Completed = t.UpdatedAt.Unix()
	default:
		slot.Status = "Failed"
		slot.FailMessage = fmt.Sprintf("%s: %s", t.ErrorKind, t.ErrorMessage)
		slot.Completed = t.UpdatedAt.Unix()
	}

	return slot
}

// toggle pauses or resumes the tasks named by value, or every task when
// value is empty.
func (s *Server) toggle(w http.ResponseWriter, action, value string) error {
	var ids []uuid.UUID

	if value == "" {
		for _, t := range s.engine.List(nil) {
			ids = append(ids, t.ID)
		}
	} else {
		var err error
		if ids, err = s.targets(value); err != nil {
			return err
		}
	}

	for _, id := range ids {
		var err error

		if action == "pause" {
			err = s.engine.Pause(id)
		} else {
			err = s.engine.Resume(id)
		}

		// a global toggle skips tasks that are already done
		if err != nil && (value != "" || !isStateError(err)) {
			return err
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: true})

	return nil
}

func isStateError(err error) bool {
	return errors.Is(err, engine.ErrNotPausable) || errors.Is(err, engine.ErrNotResumable)
}

// remove deletes the named tasks. With archive set the tasks are
// cancelled instead and stay in history.
func (s *Server) remove(w http.ResponseWriter, value string, removeFiles, archive bool) error {
	ids, err := s.targets(value)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if archive {
			err = s.engine.Cancel(id)
		} else {
			err = s.engine.Delete(id, removeFiles)
		}

		if err != nil {
			return err
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: true})

	return nil
}

// targets turns a comma-separated list of task ids or share URLs into ids.
func (s *Server) targets(value string) ([]uuid.UUID, error) {
	values := splitValues(value)
	if len(values) == 0 {
		return nil, ErrMissingValue
	}

	var ids []uuid.UUID

	for _, v := range values {
		if id, err := uuid.Parse(v); err == nil {
			if _, err := s.engine.Get(id); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrNoSuchItem, v)
			}

			ids = append(ids, id)

			continue
		}

		found := s.engine.FindByURL(v)
		if len(found) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchItem, v)
		}

		for _, t := range found {
			ids = append(ids, t.ID)
		}
	}

	return ids, nil
}

// configure changes runtime settings: name=speedlimit sets the global cap
// (bytes per second or a size such as "2MB", 0 for none) and
// name=revalidate returns accounts to service. Without a value revalidate
// covers every account out of service; reset=1 also clears their usage.
func (s *Server) configure(w http.ResponseWriter, r *http.Request) error {
	value := r.FormValue("value")

	switch name := r.FormValue("name"); name {
	case "speedlimit":
		if value == "" {
			return ErrMissingValue
		}

		bps, err := humanize.ParseBytes(value)
		if err != nil {
			return fmt.Errorf("%w: speedlimit %q", errBadValue, value)
		}

		s.engine.SetSpeedLimit(int64(bps))
	case "revalidate":
		ids := splitValues(value)
		if len(ids) == 0 {
			for _, h := range s.engine.Accounts() {
				if h.Status != account.Active.String() || h.Remaining == 0 {
					ids = append(ids, h.ID)
				}
			}
		}

		reset := r.FormValue("reset") == "1"

		for _, id := range ids {
			if err := s.engine.RevalidateAccount(id, reset); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: config %q", ErrUnknownMode, name)
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: true})

	return nil
}

func (s *Server) fullStatus(w http.ResponseWriter) {
	st := fullStatus{
		GlobalStats: s.engine.Stats(),
		Accounts:    s.engine.Accounts(),
	}

	for _, b := range s.engine.Batches() {
		pct := 0.0
		if b.SizeBytes > 0 {
			pct = float64(b.DownloadedBytes) / float64(b.SizeBytes) * 100
		}

		st.Batches = append(st.Batches, batchStatus{
			ID:         b.Batch.ID.String(),
			Name:       b.Batch.Name,
			Total:      b.Total,
			Completed:  b.Completed,
			Failed:     b.Failed,
			Percentage: strconv.Itoa(int(pct)),
		})
	}

	writeJSON(w, http.StatusOK, map[string]fullStatus{"status": st})
}

func splitValues(raw string) []string {
	var out []string

	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}

	return out
}

func displayName(t *task.Task) string {
	if t.Filename != "" {
		return t.Filename
	}

	return t.OriginalURL
}

func categoryOf(t *task.Task) string {
	if t.Category == "" {
		return "*"
	}

	return t.Category
}

func megabytes(b int64) string {
	return fmt.Sprintf("%.2f", float64(b)/(1024*1024))
}

func etaOf(left, speed int64) time.Duration {
	if left <= 0 || speed <= 0 {
		return 0
	}

	return time.Duration(float64(left)/float64(speed)) * time.Second
}

// clock renders d as h:mm:ss.
func clock(d time.Duration) string {
	secs := int64(d / time.Second)

	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
