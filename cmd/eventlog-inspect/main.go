// Command eventlog-inspect dumps a stream's raw ndjson lines (events and
// commit markers) as a JSON array, for offline debugging of the commit
// protocol without standing up the full façade.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/fluxorio/eventstore/pkg/eventlog"
	"github.com/fluxorio/eventstore/pkg/eventlog/blobstore"
	"github.com/fluxorio/eventstore/pkg/eventlog/objectstore"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "eventlog-inspect:", err)
		os.Exit(1)
	}
}

func run(args []string, out *os.File) error {
	fs := flag.NewFlagSet("eventlog-inspect", flag.ContinueOnError)
	endpoint := fs.String("endpoint", "", "S3-compatible endpoint hosting the stream's blobs")
	accessKey := fs.String("access-key", "", "access key id")
	secretKey := fs.String("secret-key", "", "secret access key")
	useSSL := fs.Bool("ssl", true, "use TLS when connecting to the endpoint")
	container := fs.String("container", "", "container/bucket holding the blob")
	streamID := fs.String("stream-id", "", "stream identifier (e.g. the object id's genesis stream)")
	chunk := fs.Int("chunk", -1, "chunk number, or -1 for an unchunked stream")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *endpoint == "" || *container == "" || *streamID == "" {
		return fmt.Errorf("-endpoint, -container, and -stream-id are required")
	}

	client, err := objectstore.New(objectstore.Config{
		Endpoint:        *endpoint,
		AccessKeyID:     *accessKey,
		SecretAccessKey: *secretKey,
		UseSSL:          *useSSL,
	})
	if err != nil {
		return err
	}

	var chunkID *int
	if *chunk >= 0 {
		chunkID = chunk
	}
	blobPath := eventlog.FormatBlobPath(*streamID, chunkID)

	body, err := blobstore.NewSimulatedAppendBackend(client).ReadFull(context.Background(), *container, blobPath)
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", *container, blobPath, err)
	}

	lines, err := eventlog.ParseLines(bytes.NewReader(body), 0)
	if err != nil {
		return err
	}

	writer := bufio.NewWriter(out)
	defer writer.Flush()
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(lines)
}
