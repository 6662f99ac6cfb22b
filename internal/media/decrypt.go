package media

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"tessera/internal/keys"
)

// Decrypter writes a decrypted copy of an encrypted file.
type Decrypter interface {
	Decrypt(ctx context.Context, input, output string, set keys.Set) error
}

// Mp4Decrypt runs Bento4's mp4decrypt with one --key per KID.
type Mp4Decrypt struct {
	Binary string
}

// Args returns the command line for set, in KID order.
func (m Mp4Decrypt) Args(input, output string, set keys.Set) []string {
	args := make([]string, 0, 2*len(set)+2)
	for _, kid := range set.SortedKIDs() {
		key := set[kid]
		if key.IsBlank() {
			continue
		}
		args = append(args, "--key", kid.String()+":"+key.String())
	}
	return append(args, input, output)
}

func (m Mp4Decrypt) Decrypt(ctx context.Context, input, output string, set keys.Set) error {
	if len(set.WithoutBlank()) == 0 {
		return errors.New("no keys to decrypt with")
	}
	binary := strings.TrimSpace(m.Binary)
	if binary == "" {
		binary = "mp4decrypt"
	}
	cmd := exec.CommandContext(ctx, binary, m.Args(input, output, set)...) //nolint:gosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s: %w: %s", binary, err, msg)
		}
		return fmt.Errorf("%s: %w", binary, err)
	}
	return nil
}
