package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appcrypto "peerchat/crypto"
	"peerchat/storage"
)

const (
	bytesPerMB = 1024 * 1024

	// progressStep is how many source bytes pass between progress reports.
	progressStep = 1024 * 1024

	// sendWorkingMemory is what one outbound job holds at a time: a read
	// chunk and its encoding. The frame is streamed, so it does not grow with
	// the file.
	sendWorkingMemory = encodeChunkSize + encodeChunkSize/3*4

	// receiveOverhead covers the frame header and decode copy buffers on top
	// of the encoded line an inbound job holds.
	receiveOverhead = 64 * 1024

	tempFilePattern = ".recv-*.part"
)

// receiveWorkingMemory is what an inbound frame of size decoded bytes holds
// from the moment its header is read until the file is saved.
func receiveWorkingMemory(size int64) int64 {
	return (size+2)/3*4 + receiveOverhead
}

// TransferDirection distinguishes sent from received files.
type TransferDirection int

const (
	TransferOutbound TransferDirection = iota
	TransferInbound
)

func (d TransferDirection) String() string {
	if d == TransferInbound {
		return "receive"
	}
	return "send"
}

// TransferStatus is the lifecycle position of one TransferJob.
type TransferStatus int

const (
	TransferPreparing TransferStatus = iota
	TransferEncoding
	TransferDecoding
	TransferTransmitting
	TransferComplete
	TransferFailed
)

func (s TransferStatus) String() string {
	switch s {
	case TransferPreparing:
		return "preparing"
	case TransferEncoding:
		return "encoding"
	case TransferDecoding:
		return "decoding"
	case TransferTransmitting:
		return "transmitting"
	case TransferComplete:
		return "complete"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransferJob tracks one file transfer. Completion is all-or-nothing.
type TransferJob struct {
	ID           string
	Direction    TransferDirection
	Filename     string
	DeclaredSize int64

	mu         sync.Mutex
	status     TransferStatus
	localPath  string
	checksum   string
	err        error
	startedAt  time.Time
	finishedAt time.Time

	done chan struct{}
}

func newTransferJob(direction TransferDirection, filename string, size int64) *TransferJob {
	return &TransferJob{
		ID:           uuid.NewString(),
		Direction:    direction,
		Filename:     filename,
		DeclaredSize: size,
		status:       TransferPreparing,
		done:         make(chan struct{}),
	}
}

// Status returns the current status.
func (j *TransferJob) Status() TransferStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the failure reason once the job has failed.
func (j *TransferJob) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// LocalPath returns the saved path of a completed inbound job.
func (j *TransferJob) LocalPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.localPath
}

// Checksum returns the BLAKE2b-256 hex digest of the transferred bytes.
func (j *TransferJob) Checksum() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.checksum
}

// Done is closed when the job completes or fails.
func (j *TransferJob) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes and returns its error.
func (j *TransferJob) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Elapsed returns the time between start and finish, or so far.
func (j *TransferJob) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() {
		return 0
	}
	if j.finishedAt.IsZero() {
		return time.Since(j.startedAt)
	}
	return j.finishedAt.Sub(j.startedAt)
}

// ThroughputMBps returns the average rate in MB per second.
func (j *TransferJob) ThroughputMBps() float64 {
	seconds := j.Elapsed().Seconds()
	if seconds <= 0 {
		seconds = 0.001
	}
	return float64(j.DeclaredSize) / bytesPerMB / seconds
}

func (j *TransferJob) start(at time.Time) {
	j.mu.Lock()
	j.startedAt = at
	j.mu.Unlock()
}

func (j *TransferJob) setStatus(status TransferStatus) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
}

func (j *TransferJob) complete(at time.Time, localPath, checksum string) {
	j.mu.Lock()
	j.status = TransferComplete
	j.localPath = localPath
	j.checksum = checksum
	j.finishedAt = at
	j.mu.Unlock()
}

func (j *TransferJob) fail(at time.Time, err error) {
	j.mu.Lock()
	j.status = TransferFailed
	j.err = err
	j.finishedAt = at
	if j.startedAt.IsZero() {
		j.startedAt = at
	}
	j.mu.Unlock()
}

// markDone releases waiters once every notification for the job is queued.
func (j *TransferJob) markDone() {
	close(j.done)
}

// frameSender is the part of a session the transfer manager writes through.
type frameSender interface {
	IsConnected() bool
	writeFrame(fn func(w io.Writer) error) error
}

// TransferManager runs file sends and receives off the read loop. At most one
// outbound job runs at a time; inbound jobs run one after another in arrival
// order.
type TransferManager struct {
	sender       frameSender
	events       *eventQueue
	journal      journal
	log          *logrus.Entry
	maxFileSize  int64
	downloadsDir string
	budget       *memoryBudget
	now          func() time.Time

	mu          sync.Mutex
	outbound    *TransferJob
	lastInbound <-chan struct{}

	wg sync.WaitGroup
}

func newTransferManager(sender frameSender, events *eventQueue, opts Options, log *logrus.Entry, j journal) *TransferManager {
	return &TransferManager{
		sender:       sender,
		events:       events,
		journal:      j,
		log:          log,
		maxFileSize:  opts.MaxFileSize,
		downloadsDir: opts.DownloadsDir,
		budget:       newMemoryBudget(opts.MemoryCeiling),
		now:          time.Now,
	}
}

// Outbound returns the in-flight outbound job, if any.
func (m *TransferManager) Outbound() *TransferJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbound
}

// ReservedMemory reports the working memory held by active jobs.
func (m *TransferManager) ReservedMemory() int64 {
	return m.budget.Reserved()
}

// Send validates sourcePath and starts streaming it to the peer in the
// background. Validation failures are returned without touching the wire.
func (m *TransferManager) Send(sourcePath string) (*TransferJob, error) {
	if !m.sender.IsConnected() {
		return nil, ErrNotConnected
	}

	job, reserved, err := m.prepareSend(sourcePath)
	if err != nil {
		if errors.Is(err, ErrTransfer) {
			m.events.notice(fmt.Sprintf("File send failed: %v", err))
			m.journal.record(storage.EventTransferFailed, storage.SeverityError, map[string]any{
				"direction": TransferOutbound.String(),
				"path":      sourcePath,
				"error":     err.Error(),
			})
		}
		return nil, err
	}

	go m.runSend(job, sourcePath, reserved)
	return job, nil
}

func (m *TransferManager) prepareSend(sourcePath string) (*TransferJob, int64, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return nil, 0, fmt.Errorf("%w: source path is required", ErrTransfer)
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: stat source file: %w", ErrTransfer, err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%w: source path must be a file", ErrTransfer)
	}

	size := info.Size()
	if size > m.maxFileSize {
		return nil, 0, fmt.Errorf("%w: maximum size is %d MB", ErrFileTooLarge, m.maxFileSize/bytesPerMB)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outbound != nil {
		return nil, 0, ErrTransferInFlight
	}

	required := int64(sendWorkingMemory)
	if err := m.budget.reserve(required); err != nil {
		return nil, 0, err
	}

	job := newTransferJob(TransferOutbound, SanitizeFilename(filepath.Base(sourcePath)), size)
	m.outbound = job
	m.wg.Add(1)
	return job, required, nil
}

func (m *TransferManager) runSend(job *TransferJob, sourcePath string, reserved int64) {
	defer m.wg.Done()
	defer job.markDone()
	defer m.budget.release(reserved)
	defer func() {
		m.mu.Lock()
		if m.outbound == job {
			m.outbound = nil
		}
		m.mu.Unlock()
	}()

	job.start(m.now())
	m.events.notice(fmt.Sprintf("Sending file: %s (%s)", job.Filename, formatMB(job.DeclaredSize)))
	m.log.WithFields(logrus.Fields{
		"function":  "runSend",
		"file_id":   job.ID,
		"file_name": job.Filename,
		"file_size": job.DeclaredSize,
		"reserved":  reserved,
	}).Info("Outbound file transfer started")
	m.journal.recordTransfer(job, storage.EventTransferStarted, storage.SeverityInfo, map[string]any{
		"direction": job.Direction.String(),
		"filename":  job.Filename,
		"size":      job.DeclaredSize,
	})

	file, err := os.Open(sourcePath)
	if err != nil {
		m.failSend(job, fmt.Errorf("open source file: %w", err))
		return
	}
	defer func() {
		_ = file.Close()
	}()

	job.setStatus(TransferEncoding)
	digest := appcrypto.NewDigest()
	source := &progressReader{
		r:     io.TeeReader(file, digest),
		step:  progressStep,
		total: job.DeclaredSize,
		report: func(sent, total int64) {
			m.events.progress(job, sent, total)
		},
	}

	err = m.sender.writeFrame(func(w io.Writer) error {
		job.setStatus(TransferTransmitting)
		_, err := WriteFileFrame(w, job.Filename, job.DeclaredSize, source)
		return err
	})
	if err != nil {
		m.failSend(job, err)
		return
	}

	m.events.progress(job, job.DeclaredSize, job.DeclaredSize)
	checksum := appcrypto.SumHex(digest)
	job.complete(m.now(), "", checksum)

	m.events.notice(fmt.Sprintf("File sent successfully: %s (%.1f seconds, %.1f MB/s)",
		job.Filename, job.Elapsed().Seconds(), job.ThroughputMBps()))
	m.log.WithFields(logrus.Fields{
		"function":  "runSend",
		"file_id":   job.ID,
		"file_name": job.Filename,
		"elapsed":   job.Elapsed().String(),
		"checksum":  appcrypto.ShortFingerprint(checksum),
	}).Info("Outbound file transfer completed")
	m.journal.recordTransfer(job, storage.EventTransferSent, storage.SeverityInfo, map[string]any{
		"filename": job.Filename,
		"size":     job.DeclaredSize,
		"checksum": checksum,
		"mbps":     job.ThroughputMBps(),
	})
}

func (m *TransferManager) failSend(job *TransferJob, err error) {
	if !errors.Is(err, ErrTransfer) {
		err = fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	job.fail(m.now(), err)

	m.events.notice(fmt.Sprintf("File send failed: %v", err))
	m.log.WithFields(logrus.Fields{
		"function":  "runSend",
		"file_id":   job.ID,
		"file_name": job.Filename,
		"error":     err.Error(),
	}).Warn("Outbound file transfer failed")
	m.journal.recordTransfer(job, storage.EventTransferFailed, storage.SeverityError, map[string]any{
		"direction": job.Direction.String(),
		"filename":  job.Filename,
		"error":     err.Error(),
	})
}

// Receive queues a decoded file frame for saving and returns its job. The
// frame's working memory is reserved here; a frame that does not fit fails
// its job without being decoded.
func (m *TransferManager) Receive(payload FilePayload) *TransferJob {
	reserved, err := m.admitInbound(payload.DeclaredSize)
	return m.receive(payload, reserved, err)
}

// admitInbound reserves the working memory for an inbound frame declaring
// size bytes. The session calls it as soon as a frame header arrives, before
// the body is buffered.
func (m *TransferManager) admitInbound(size int64) (int64, error) {
	if size > m.maxFileSize {
		return 0, fmt.Errorf("%w: declared %s, maximum size is %d MB", ErrFileTooLarge, formatMB(size), m.maxFileSize/bytesPerMB)
	}
	required := receiveWorkingMemory(size)
	if err := m.budget.reserve(required); err != nil {
		return 0, err
	}
	return required, nil
}

// receive starts an inbound job that owns reserved bytes of the budget. A
// non-nil admitErr fails the job once its turn comes.
func (m *TransferManager) receive(payload FilePayload, reserved int64, admitErr error) *TransferJob {
	job := newTransferJob(TransferInbound, payload.Filename, payload.DeclaredSize)

	m.mu.Lock()
	previous := m.lastInbound
	m.lastInbound = job.done
	m.wg.Add(1)
	m.mu.Unlock()

	go m.runReceive(job, payload, previous, reserved, admitErr)
	return job
}

// rejectInbound reports a file frame that was skipped on the wire before a
// job could be created for it.
func (m *TransferManager) rejectInbound(err error) {
	m.events.notice(fmt.Sprintf("File transfer failed: %v", err))
	m.log.WithFields(logrus.Fields{
		"function": "rejectInbound",
		"error":    err.Error(),
	}).Warn("Inbound file frame skipped")
	m.journal.record(storage.EventTransferFailed, storage.SeverityError, map[string]any{
		"direction": TransferInbound.String(),
		"error":     err.Error(),
	})
}

func (m *TransferManager) runReceive(job *TransferJob, payload FilePayload, previous <-chan struct{}, reserved int64, admitErr error) {
	defer m.wg.Done()
	defer job.markDone()
	defer m.budget.release(reserved)
	if previous != nil {
		<-previous
	}

	job.start(m.now())
	m.events.notice(fmt.Sprintf("Receiving file: %s (%s)", job.Filename, formatMB(job.DeclaredSize)))
	m.log.WithFields(logrus.Fields{
		"function":  "runReceive",
		"file_id":   job.ID,
		"file_name": job.Filename,
		"file_size": job.DeclaredSize,
		"reserved":  reserved,
	}).Info("Inbound file transfer started")
	m.journal.recordTransfer(job, storage.EventTransferStarted, storage.SeverityInfo, map[string]any{
		"direction": job.Direction.String(),
		"filename":  job.Filename,
		"size":      job.DeclaredSize,
	})

	job.setStatus(TransferDecoding)
	localPath, checksum, err := "", "", admitErr
	if err == nil {
		localPath, checksum, err = m.saveFile(payload)
	}
	if err != nil {
		if !errors.Is(err, ErrTransfer) && !errors.Is(err, ErrProtocol) {
			err = fmt.Errorf("%w: %w", ErrTransfer, err)
		}
		job.fail(m.now(), err)
		m.events.notice(fmt.Sprintf("File transfer failed: %v", err))
		m.log.WithFields(logrus.Fields{
			"function":  "runReceive",
			"file_id":   job.ID,
			"file_name": job.Filename,
			"error":     err.Error(),
		}).Warn("Inbound file transfer failed")
		m.journal.recordTransfer(job, storage.EventTransferFailed, storage.SeverityError, map[string]any{
			"direction": job.Direction.String(),
			"filename":  job.Filename,
			"error":     err.Error(),
		})
		return
	}

	job.complete(m.now(), localPath, checksum)
	m.events.fileReceived(job.Filename, localPath)
	m.events.notice(fmt.Sprintf("File received successfully: %s (%.1f seconds, %.1f MB/s)",
		job.Filename, job.Elapsed().Seconds(), job.ThroughputMBps()))
	m.log.WithFields(logrus.Fields{
		"function":   "runReceive",
		"file_id":    job.ID,
		"file_name":  job.Filename,
		"local_path": localPath,
		"checksum":   appcrypto.ShortFingerprint(checksum),
	}).Info("Inbound file transfer completed")
	m.journal.recordTransfer(job, storage.EventTransferReceived, storage.SeverityInfo, map[string]any{
		"filename": job.Filename,
		"size":     job.DeclaredSize,
		"checksum": checksum,
		"mbps":     job.ThroughputMBps(),
	})
}

// saveFile decodes into a temp file beside the target and renames it into
// place only once the decoded length matches the declared size.
func (m *TransferManager) saveFile(payload FilePayload) (string, string, error) {
	if err := validateReceivedFilename(payload.Filename); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if err := os.MkdirAll(m.downloadsDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create downloads directory: %w", err)
	}

	// The temp name must not grow with the received name, which may already
	// be at the filesystem limit.
	tmp, err := os.CreateTemp(m.downloadsDir, tempFilePattern)
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	digest := appcrypto.NewDigest()
	decoder := base64.NewDecoder(base64.StdEncoding, strings.NewReader(payload.Encoded))
	written, err := io.Copy(io.MultiWriter(tmp, digest), decoder)
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return "", "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return "", "", fmt.Errorf("write %s: %w", payload.Filename, err)
	}
	if written != payload.DeclaredSize {
		return "", "", fmt.Errorf("%w: expected %d bytes, received %d", ErrSizeMismatch, payload.DeclaredSize, written)
	}
	if err := tmp.Close(); err != nil {
		return "", "", fmt.Errorf("close temp file: %w", err)
	}

	finalPath := filepath.Join(m.downloadsDir, payload.Filename)
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return "", "", fmt.Errorf("finalize %s: %w", payload.Filename, err)
	}
	keep = true
	return finalPath, appcrypto.SumHex(digest), nil
}

// wait blocks until every running transfer goroutine has returned.
func (m *TransferManager) wait() {
	m.wg.Wait()
}

func validateReceivedFilename(name string) error {
	if err := ValidateFilename(name); err != nil {
		return err
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q would leave the downloads directory", ErrInvalidFilename, name)
	}
	return nil
}

// memoryBudget accounts working memory reserved by active transfers against
// a fixed ceiling.
type memoryBudget struct {
	mu       sync.Mutex
	ceiling  int64
	reserved int64
}

func newMemoryBudget(ceiling int64) *memoryBudget {
	return &memoryBudget{ceiling: ceiling}
}

func (b *memoryBudget) reserve(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	available := b.ceiling - b.reserved
	if n > available {
		return fmt.Errorf("%w: required %s, available %s", ErrInsufficientMemory, formatMB(n), formatMB(available))
	}
	b.reserved += n
	return nil
}

func (b *memoryBudget) release(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reserved -= n
	if b.reserved < 0 {
		b.reserved = 0
	}
}

// Reserved returns the bytes currently reserved.
func (b *memoryBudget) Reserved() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reserved
}

type progressReader struct {
	r        io.Reader
	step     int64
	total    int64
	read     int64
	reported int64
	report   func(sent, total int64)
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.report != nil && p.read-p.reported >= p.step {
		p.reported = p.read
		p.report(p.read, p.total)
	}
	return n, err
}

func formatMB(bytes int64) string {
	return fmt.Sprintf("%.1f MB", float64(bytes)/bytesPerMB)
}
