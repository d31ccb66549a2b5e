// Package identity computes the stable identity of a source filing: its
// content hash, its document type, and the six-digit company code it
// belongs to.
package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	"github.com/ashareinsight/pipeline-cli/internal/model"
)

// headProbeBytes is how much of a file we scan when the filename itself
// carries no company code.
const headProbeBytes = 2000

// HashFile returns the SHA-256 of the full file contents as 64 lowercase
// hex characters, streaming in 4 KiB blocks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "identity: open file for hashing")
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 4096)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", eris.Wrap(err, "identity: read file for hashing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes hashes in-memory content the same way HashFile hashes a file.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// InferDocType classifies a path as annual_report or research_report.
// Directory names win over filename heuristics; research is the default.
func InferDocType(path string) model.DocType {
	lower := strings.ToLower(filepath.ToSlash(path))
	dir := filepath.ToSlash(filepath.Dir(lower))
	switch {
	case strings.Contains(dir, "annual_report"):
		return model.DocTypeAnnualReport
	case strings.Contains(dir, "research_report"):
		return model.DocTypeResearchReport
	}
	base := filepath.Base(path)
	if strings.Contains(base, "年度报告") || strings.Contains(strings.ToLower(base), "annual") {
		return model.DocTypeAnnualReport
	}
	return model.DocTypeResearchReport
}

var filenameCodeRe = regexp.MustCompile(`(\d{6})(?:_|[^\d])`)

// contentCodePatterns is tried in order against the decoded head of the
// file; the first capture wins. The list mirrors the formats seen in real
// filings: labeled codes, table cells, brackets, dual listings, exchange
// prefixes, and HTML cells.
var contentCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:股票代码|证券代码|代码)\s*[：:]\s*\**(\d{6})\**`),
	regexp.MustCompile(`\|\s*(\d{6})\s*\|`),
	regexp.MustCompile(`[（(](\d{6})[）)]`),
	regexp.MustCompile(`(?m)^(\d{6})\b`),
	regexp.MustCompile(`A股代码\s*[：:]\s*(\d{6})`),
	regexp.MustCompile(`(\d{6})[、/](?:\d{6}|\d{5})`),
	regexp.MustCompile(`(?:^|\s)(\d{6})(?:\s|$)`),
	regexp.MustCompile(`(?:SZ|SH)\s*[：:]?\s*(\d{6})`),
	regexp.MustCompile(`>(\d{6})<`),
	regexp.MustCompile(`股票代码[^0-9]{0,20}(\d{6})`),
	regexp.MustCompile(`(?:股票|证券|代码|简称)[^0-9]{0,50}(\d{6})`),
}

// ExtractCompanyCode finds the six-digit stock code for a filing. The
// filename is checked first; failing that, the first 2000 bytes of content
// are decoded and scanned with an ordered pattern list. Returns "" when no
// valid code is found.
func ExtractCompanyCode(path string) (string, error) {
	if m := filenameCodeRe.FindStringSubmatch(filepath.Base(path)); m != nil {
		if validCode(m[1]) {
			return m[1], nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "identity: open file for code scan")
	}
	defer f.Close()

	head := make([]byte, headProbeBytes)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", eris.Wrap(err, "identity: read file head")
	}
	text, _, err := DecodeText(head[:n])
	if err != nil {
		return "", err
	}
	for _, re := range contentCodePatterns {
		if m := re.FindStringSubmatch(text); m != nil && validCode(m[1]) {
			return m[1], nil
		}
	}
	return "", nil
}

func validCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return n > 0 && n <= 999999
}

// fallbackEncodings is the deterministic decode order after UTF-8 fails.
// GB2312 is a subset of GBK, so the GBK decoder covers both labels.
var fallbackEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
	{"big5", traditionalchinese.Big5},
}

// DecodeText decodes raw filing bytes, trying UTF-8 first and then a fixed
// fallback list. It returns the decoded text and the name of the encoding
// that succeeded.
func DecodeText(raw []byte) (string, string, error) {
	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}
	for _, fb := range fallbackEncodings {
		out, err := fb.enc.NewDecoder().Bytes(raw)
		if err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
			return string(out), fb.name, nil
		}
	}
	// Last resort: replace invalid sequences rather than failing the file.
	return strings.ToValidUTF8(string(raw), ""), "utf-8-lossy", nil
}
