package story

import (
	"bytes"
	stderrors "errors"
)

var errMissingClosingDelimiter = stderrors.New("missing closing frontmatter delimiter")

// split separates `---` delimited YAML frontmatter from the body. Documents
// without an opening delimiter are returned whole as body.
func split(content []byte) (fm, body []byte, err error) {
	nl := []byte("\n")
	if bytes.HasPrefix(content, []byte("---\r\n")) {
		nl = []byte("\r\n")
	}
	open := append([]byte("---"), nl...)
	if !bytes.HasPrefix(content, open) {
		return nil, content, nil
	}

	rest := content[len(open):]
	if bytes.HasPrefix(rest, open) {
		return []byte{}, rest[len(open):], nil
	}

	closing := append(append([]byte{}, nl...), open...)
	idx := bytes.Index(rest, closing)
	if idx < 0 {
		return nil, nil, errMissingClosingDelimiter
	}
	return rest[:idx+len(nl)], rest[idx+len(closing):], nil
}
