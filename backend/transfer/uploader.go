package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/andres-erbsen/clock"
	"github.com/rs/zerolog"
)

const (
	defaultRetryDelay      = time.Second
	defaultMaxChunkRetries = 3
	defaultMaxErrors       = 10
)

var (
	ErrSuspended             = errors.New("transfer suspended")
	ErrChunkRetriesExhausted = errors.Join(model.ErrTransfer, errors.New("chunk send retries exhausted"))
	ErrTooManyErrors         = errors.Join(model.ErrTransfer, errors.New("too many chunk send errors"))
	ErrCancelled             = errors.Join(model.ErrTransfer, errors.New("transfer cancelled"))
)

type (
	Sender interface {
		SendMessage(msg *model.Message) error
	}

	UploaderConfig struct {
		Logger          *zerolog.Logger
		Sender          Sender
		Clock           clock.Clock
		RetryDelay      time.Duration
		MaxChunkRetries int
		MaxErrors       int
		// Progress is called after each chunk is sent.
		Progress func(t *Transfer)
	}

	// Uploader streams one upload over a control connection.
	Uploader struct {
		sender          Sender
		clock           clock.Clock
		logger          zerolog.Logger
		retryDelay      time.Duration
		maxChunkRetries int
		maxErrors       int
		progress        func(t *Transfer)
	}
)

func NewUploader(cfg UploaderConfig) *Uploader {
	u := &Uploader{
		sender:          cfg.Sender,
		clock:           cfg.Clock,
		logger:          cfg.Logger.With().Str("component", "uploader").Logger(),
		retryDelay:      cfg.RetryDelay,
		maxChunkRetries: cfg.MaxChunkRetries,
		maxErrors:       cfg.MaxErrors,
		progress:        cfg.Progress,
	}
	if u.clock == nil {
		u.clock = clock.New()
	}
	if u.retryDelay == 0 {
		u.retryDelay = defaultRetryDelay
	}
	if u.maxChunkRetries == 0 {
		u.maxChunkRetries = defaultMaxChunkRetries
	}
	if u.maxErrors == 0 {
		u.maxErrors = defaultMaxErrors
	}
	return u
}

// Run sends the offer (once per transfer), every chunk not yet sent and
// file_complete, leaving the transfer in StateSent. Cancelling ctx suspends
// the transfer; it can be resumed later by calling Run again with the same
// Transfer. A transfer failed from outside stops the run with ErrCancelled.
// Send errors are counted per transfer across runs.
func (u *Uploader) Run(ctx context.Context, t *Transfer, src io.ReaderAt) error {
	if err := t.SetState(StateRunning); err != nil {
		if t.State().Terminal() {
			return ErrCancelled
		}
		return err
	}
	info := t.Info()
	logger := u.logger.With().Str("fileID", info.FileID).Logger()

	send := func(msg *model.Message) error {
		for attempt := 0; ; attempt++ {
			if ctx.Err() != nil {
				return ErrSuspended
			}
			err := u.sender.SendMessage(msg)
			if err == nil {
				return nil
			}
			errCount := t.AddError()
			logger.Warn().Err(err).
				Str("type", msg.Type).
				Int("attempt", attempt+1).
				Int("errors", errCount).
				Msg("send failed")
			if errCount >= u.maxErrors {
				return ErrTooManyErrors
			}
			if attempt >= u.maxChunkRetries {
				return ErrChunkRetriesExhausted
			}
			select {
			case <-ctx.Done():
				return ErrSuspended
			case <-u.clock.After(u.retryDelay):
			}
		}
	}

	err := u.run(t, info, src, send)
	switch {
	case err == nil:
		if t.SetState(StateSent) != nil {
			return ErrCancelled
		}
		logger.Debug().Int("chunks", info.TotalChunks).Msg("upload sent")
		return nil
	case errors.Is(err, ErrCancelled):
		logger.Debug().Msg("upload cancelled")
		return err
	case errors.Is(err, ErrSuspended):
		_ = t.SetState(StateSuspended)
		done, total := t.Progress()
		logger.Debug().Int("done", done).Int("total", total).Msg("upload suspended")
		return err
	default:
		if !t.Fail(err) {
			return ErrCancelled
		}
		logger.Error().Err(err).Msg("upload failed")
		return err
	}
}

func (u *Uploader) run(t *Transfer, info Info, src io.ReaderAt, send func(*model.Message) error) error {
	if !t.Offered() {
		if err := send(t.OfferMessage(model.NewMessageAt(model.TypeFileOffer, u.clock.Now()))); err != nil {
			return err
		}
		t.MarkOffered()
	}

	for idx := t.FirstMissing(); idx < info.TotalChunks; idx++ {
		if t.State().Terminal() {
			return ErrCancelled
		}
		if t.HasChunk(idx) {
			continue
		}
		data, err := ReadChunk(src, info, idx)
		if err != nil {
			return errors.Join(model.ErrTransfer, fmt.Errorf("read chunk %d: %w", idx, err))
		}
		if err = send(ChunkMessage(info, idx, data, u.clock.Now())); err != nil {
			return err
		}
		t.MarkDone(idx)
		if u.progress != nil {
			u.progress(t)
		}
	}
	if t.State().Terminal() {
		return ErrCancelled
	}

	msg := model.NewMessageAt(model.TypeFileComplete, u.clock.Now())
	msg.FileID = info.FileID
	msg.Checksum = info.Checksum
	return send(msg)
}
