// Package runner drives an Edge Impulse Linux model (.eim) process over its
// Unix socket protocol and exposes inference as a pull-based stream.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"ei-camera-detect/internal/models"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	socketName        = "runner.sock"
	socketPollPeriod  = 50 * time.Millisecond
	stopGracePeriod   = 2 * time.Second
	defaultStartLimit = 30 * time.Second
)

// ErrStopped is returned by calls made after Stop.
var ErrStopped = errors.New("runner stopped")

// Classifier runs inference on one feature vector.
type Classifier interface {
	Classify(ctx context.Context, features models.FeatureVector) (*models.InferenceResult, error)
}

// Backend is a model runner that can be started and stopped. Stop must be
// safe to call from another goroutine while Classify is in flight. The
// socket runner interrupts the call; the ONNX runner cannot cancel a
// running session, so its Stop blocks until the current Classify returns.
type Backend interface {
	Classifier
	Start(ctx context.Context) (*models.ModelInfo, error)
	Stop() error
}

// Options tune how the model process is started.
type Options struct {
	StartTimeout time.Duration
	Debug        bool
}

// Runner owns one model process and the connection to it.
type Runner struct {
	modelPath string
	opts      Options

	// callMu serialises request/response pairs on the socket.
	callMu  sync.Mutex
	nextID  int
	reader  *bufio.Reader
	partial []byte

	// stateMu guards the fields Stop tears down.
	stateMu sync.Mutex
	stopped bool
	conn    net.Conn
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	tmpDir  string
	output  io.Closer

	info     *models.ModelInfo
	stopOnce sync.Once
}

// New creates a Runner for the model at modelPath. Nothing is started until
// Start is called.
func New(modelPath string, opts Options) *Runner {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartLimit
	}
	return &Runner{modelPath: modelPath, opts: opts}
}

// newConnected wraps an already established connection.
func newConnected(conn net.Conn) *Runner {
	r := New("", Options{})
	r.conn = conn
	r.reader = bufio.NewReader(conn)
	return r
}

// Start spawns the model process, connects to its socket and performs the
// hello handshake. The returned info describes the loaded model.
func (r *Runner) Start(ctx context.Context) (*models.ModelInfo, error) {
	if err := checkExecutable(r.modelPath); err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "ei-runner-")
	if err != nil {
		return nil, fmt.Errorf("failed to create runner directory: %w", err)
	}
	socketPath := filepath.Join(tmpDir, socketName)

	cmd := exec.Command(r.modelPath, socketPath)
	var output io.WriteCloser
	if r.opts.Debug {
		output = log.StandardLogger().WriterLevel(log.DebugLevel)
		cmd.Stdout = output
		cmd.Stderr = output
	}

	r.stateMu.Lock()
	if r.stopped {
		r.stateMu.Unlock()
		os.RemoveAll(tmpDir)
		return nil, ErrStopped
	}
	r.tmpDir = tmpDir
	r.output = output
	if err := cmd.Start(); err != nil {
		r.stateMu.Unlock()
		r.Stop()
		return nil, fmt.Errorf("failed to start model %s: %w", r.modelPath, err)
	}
	r.cmd = cmd
	r.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		r.stateMu.Lock()
		r.waitErr = err
		r.stateMu.Unlock()
		close(r.exited)
	}()
	r.stateMu.Unlock()

	log.WithField("socket", socketPath).Debug("Model process started")

	if err := r.waitForSocket(ctx, socketPath); err != nil {
		r.Stop()
		return nil, err
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		r.Stop()
		return nil, fmt.Errorf("failed to connect to model socket: %w", err)
	}

	r.stateMu.Lock()
	if r.stopped {
		r.stateMu.Unlock()
		conn.Close()
		return nil, ErrStopped
	}
	r.conn = conn
	r.reader = bufio.NewReader(conn)
	r.stateMu.Unlock()

	info, err := r.Hello(ctx)
	if err != nil {
		r.Stop()
		return nil, err
	}
	return info, nil
}

func checkExecutable(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	if st.IsDir() {
		return fmt.Errorf("model file %s is a directory", path)
	}
	if st.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("model file %s is not executable (chmod +x)", path)
	}
	return nil
}

func (r *Runner) waitForSocket(ctx context.Context, socketPath string) error {
	deadline := time.NewTimer(r.opts.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(socketPollPeriod)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.exited:
			r.stateMu.Lock()
			err := r.waitErr
			r.stateMu.Unlock()
			return fmt.Errorf("model process exited before opening its socket: %v", err)
		case <-deadline.C:
			return fmt.Errorf("model socket did not appear within %s", r.opts.StartTimeout)
		case <-ticker.C:
		}
	}
}

// Hello performs the handshake and caches the model description. Only
// camera (image) models are accepted.
func (r *Runner) Hello(ctx context.Context) (*models.ModelInfo, error) {
	var resp helloResponse
	err := r.call(ctx, func(id int) any { return helloRequest{Hello: 1, ID: id} }, &resp)
	if err != nil {
		return nil, fmt.Errorf("hello failed: %w", err)
	}
	if resp.ModelParameters.Sensor != models.SensorCamera {
		return nil, fmt.Errorf("model is not a camera model (sensor %d)", resp.ModelParameters.Sensor)
	}

	info := &models.ModelInfo{Project: resp.Project, Parameters: resp.ModelParameters}
	r.info = info
	return info, nil
}

// Info returns the model description from the last successful handshake.
func (r *Runner) Info() *models.ModelInfo {
	return r.info
}

// Classify sends one feature vector to the model.
func (r *Runner) Classify(ctx context.Context, features models.FeatureVector) (*models.InferenceResult, error) {
	var resp classifyResponse
	err := r.call(ctx, func(id int) any {
		return classifyRequest{Classify: features, ID: id, Debug: r.opts.Debug}
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("classify failed: %w", err)
	}
	res := resp.Result
	res.Timing = resp.Timing
	return &res, nil
}

// call writes one request and reads responses until the one with the
// matching id arrives. Cancelling ctx aborts the pending read.
func (r *Runner) call(ctx context.Context, build func(id int) any, out any) error {
	r.callMu.Lock()
	defer r.callMu.Unlock()

	r.stateMu.Lock()
	conn, stopped := r.conn, r.stopped
	r.stateMu.Unlock()
	if stopped || conn == nil {
		return ErrStopped
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	conn.SetDeadline(time.Time{})
	release := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer release()

	r.nextID++
	id := r.nextID
	payload, err := json.Marshal(build(id))
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return r.ioError(ctx, err)
	}

	for {
		chunk, err := r.reader.ReadBytes(0)
		if err != nil {
			// The rest of an interrupted frame arrives with the next read.
			r.partial = append(r.partial, chunk...)
			return r.ioError(ctx, err)
		}
		frame := chunk
		if len(r.partial) > 0 {
			frame = append(r.partial, chunk...)
			r.partial = nil
		}
		frame = bytes.TrimRight(frame, "\x00")
		var env response
		if err := json.Unmarshal(frame, &env); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if env.ID != 0 && env.ID < id {
			// Leftover answer to a request that was abandoned.
			continue
		}
		if !env.Success {
			if env.Error == "" {
				return errors.New("model reported failure")
			}
			return fmt.Errorf("model error: %s", env.Error)
		}
		if err := json.Unmarshal(frame, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}

func (r *Runner) ioError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.stateMu.Lock()
	stopped := r.stopped
	r.stateMu.Unlock()
	if stopped {
		return ErrStopped
	}
	return fmt.Errorf("model socket: %w", err)
}

// Stop closes the socket, interrupts the model process and removes its
// working directory. It is safe to call more than once and from any
// goroutine; in-flight calls return ErrStopped.
func (r *Runner) Stop() error {
	var errs error
	r.stopOnce.Do(func() {
		r.stateMu.Lock()
		r.stopped = true
		conn, cmd, exited := r.conn, r.cmd, r.exited
		tmpDir, output := r.tmpDir, r.output
		r.stateMu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = multierr.Append(errs, err)
			}
		}

		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.WithError(err).Debug("Failed to interrupt model process")
			}
			select {
			case <-exited:
			case <-time.After(stopGracePeriod):
				log.Warn("Model process did not exit after interrupt, killing it")
				cmd.Process.Kill()
				<-exited
			}
		}

		if output != nil {
			output.Close()
		}
		if tmpDir != "" {
			if err := os.RemoveAll(tmpDir); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	})
	return errs
}
