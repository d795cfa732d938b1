package object

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"

	"lab-backend/internal/shared/util"
)

// StagingPrefix is the top-level key segment for staged uploads. Bucket
// lifecycle rules can expire it independently of other data.
const StagingPrefix = "audio"

// StagingKey builds audio/<yyyy-mm-dd>/<owner hash>/<uuid>_<name>.
func StagingKey(ownerID, fileName string, now time.Time) (string, error) {
	name, err := util.SanitizeFileName(fileName)
	if err != nil {
		return "", fmt.Errorf("sanitize file name: %w", err)
	}
	return path.Join(
		StagingPrefix,
		now.UTC().Format("2006-01-02"),
		util.HashOwnerKey(ownerID),
		uuid.NewString()+"_"+name,
	), nil
}

// SniffContentType detects the content type from the first 512 bytes and
// returns a reader that replays them ahead of the rest of r.
func SniffContentType(r io.Reader) (string, io.Reader, error) {
	var sniff [512]byte
	n, err := io.ReadFull(r, sniff[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, fmt.Errorf("read sniff: %w", err)
	}
	head := append([]byte(nil), sniff[:n]...)
	return http.DetectContentType(head), io.MultiReader(bytes.NewReader(head), r), nil
}
