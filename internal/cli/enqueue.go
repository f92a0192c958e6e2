package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/attachment"
	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/schema"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Target  string
	Before  int64
	After   int64
	Attach  []string
	Notify  bool
	Payload string
}

// EnqueueResult is the output of the enqueue command.
type EnqueueResult struct {
	MutationID  string   `json:"mutationId"`
	EntityType  string   `json:"entityType"`
	Operation   string   `json:"operation"`
	Attachments []string `json:"attachments,omitempty"`
}

// RenderText implements TextRenderer.
func (r EnqueueResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "✓ Queued %s %s as %s\n", r.EntityType, r.Operation, r.MutationID)
	for _, id := range r.Attachments {
		fmt.Fprintf(w, "  attachment %s\n", id)
	}
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <entity> <create|update|delete> [payload-json]",
		Short: "Queue a mutation for sync",
		Long: `Queue a create, update or delete for an entity.

The payload is validated against the entity schema and written to the local
queue; nothing is sent to the backend until the engine drains. Stock
quantity changes use --before and --after so edits chain in order.

Example:
  fieldsync enqueue jobs create '{"title":"Fix HVAC","site_id":"s-1"}'
  fieldsync enqueue inventory_items update --target i1 --after 7
  fieldsync enqueue jobs update '{"status":"done"}' --target j-9 --attach photo.jpg --notify`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 3 {
				opts.Payload = args[2]
			}
			return runEnqueue(opts, args[0], queue.Operation(args[1]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Target, "target", "", "id of the record to update or delete")
	cmd.Flags().Int64Var(&opts.Before, "before", 0, "stock quantity before the change")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "stock quantity after the change")
	cmd.Flags().StringArrayVar(&opts.Attach, "attach", nil, "file to upload with the mutation (repeatable)")
	cmd.Flags().BoolVar(&opts.Notify, "notify", false, "ask a running engine to sync now")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, entityType string, op queue.Operation, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if !op.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid operation %q: must be create, update or delete", op))
	}

	p, err := payload.Decode([]byte(opts.Payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload JSON", err)
	}

	files, err := readAttachments(opts.Attach)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read attachment", err)
	}

	app, err := openApp(opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer app.Close()

	req := queue.EnqueueRequest{
		EntityType: entityType,
		Operation:  op,
		Payload:    p,
		TargetID:   opts.Target,
	}
	if cmd.Flags().Changed("before") {
		req.QuantityBefore = &opts.Before
	}
	if cmd.Flags().Changed("after") {
		req.QuantityAfter = &opts.After
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	blobs := make([]attachment.Blob, len(files))
	for i, f := range files {
		blobs[i] = attachment.Blob{Data: f.data, MimeType: f.mime}
	}
	id, attIDs, err := app.Attachments.EnqueueWithAttachments(ctx, req, blobs)
	if err != nil {
		return enqueueError(formatter, err)
	}
	formatter.VerboseLog("queued mutation %s", id)

	result := EnqueueResult{
		MutationID:  id,
		EntityType:  entityType,
		Operation:   string(op),
		Attachments: attIDs,
	}
	for i, attID := range attIDs {
		formatter.VerboseLog("attached %s as %s (%s)", files[i].name, attID, files[i].mime)
	}

	if opts.Notify {
		app.notifyDaemon()
	}

	return formatter.Success(result)
}

// enqueueError reports rejected payloads as validation failures and
// everything else as command errors.
func enqueueError(formatter *OutputFormatter, err error) error {
	var ve *schema.ValidationError
	if errors.As(err, &ve) {
		if fmtErr := formatter.Error(ErrCodeValidation, ve.Error(), ve.Fields); fmtErr != nil {
			return fmtErr
		}
		return WrapExitError(ExitFailure, "payload rejected", err)
	}
	if queue.IsQuotaError(err) {
		if fmtErr := formatter.Error(ErrCodeGeneric, err.Error(), nil); fmtErr != nil {
			return fmtErr
		}
		return WrapExitError(ExitFailure, "storage full", err)
	}
	return WrapExitError(ExitCommandError, "failed to enqueue", err)
}

type attachmentFile struct {
	name string
	data []byte
	mime string
}

// readAttachments loads every file before anything is queued, so a missing
// file does not leave a half-attached mutation behind.
func readAttachments(paths []string) ([]attachmentFile, error) {
	files := make([]attachmentFile, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, attachmentFile{
			name: filepath.Base(path),
			data: data,
			mime: detectMIME(path, data),
		})
	}
	return files, nil
}

// detectMIME prefers the file extension and falls back to content sniffing.
func detectMIME(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		if mediaType, _, err := mime.ParseMediaType(t); err == nil {
			return mediaType
		}
		return t
	}
	t := http.DetectContentType(data)
	if mediaType, _, err := mime.ParseMediaType(t); err == nil {
		return mediaType
	}
	return t
}
