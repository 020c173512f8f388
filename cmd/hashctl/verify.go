package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fxnlabs/hash-backend/fixtures"
	"github.com/fxnlabs/hash-backend/internal/algo"
	"github.com/fxnlabs/hash-backend/pkg/backend"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var errMismatch = errors.New("device hashes differ from the CPU reference")

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Hash a nonce range on a device and compare it with the CPU reference",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "algo", Usage: "algorithm/variant, defaults to the bench algorithm"},
			&cli.StringFlag{Name: "blob", Usage: "Hex encoded hashing blob, defaults to a fixed block"},
			&cli.IntFlag{Name: "device", Value: 0, Usage: "Device index"},
			&cli.UintFlag{Name: "nonce", Value: 0, Usage: "First nonce"},
			&cli.IntFlag{Name: "count", Value: 16, Usage: "Number of nonces"},
			&cli.Uint64Flag{Name: "difficulty", Value: 1, Usage: "Share difficulty used for the target flags"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute, Usage: "How long to wait for the device"},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			log := appLogger(c)

			id := c.String("algo")
			if id == "" {
				id = cfg.Bench.Algorithm
			}
			algorithm, variant := algo.Parse(id)
			params, err := algo.Lookup(algorithm, variant)
			if err != nil {
				return err
			}
			blob := fixtures.Block()
			if c.IsSet("blob") {
				if blob, err = decodeBlob(c.String("blob")); err != nil {
					return err
				}
			}
			count := c.Int("count")
			if count <= 0 {
				return fmt.Errorf("count must be positive, got %d", count)
			}
			start := uint32(c.Uint("nonce"))
			target := algo.TargetFromDifficulty(c.Uint64("difficulty"))

			b, err := openBackend(cfg, cfg.ProfileFor(algorithm, variant, log).Bfactor, log)
			if err != nil {
				return err
			}
			defer b.Release()
			client, err := backend.Bind(b.API(), backend.Version)
			if err != nil {
				return err
			}
			api := client.API()

			h, err := api.ContextOpen(c.Int("device"), algorithm, variant, count)
			if err != nil {
				return err
			}
			defer api.ContextClose(h)

			res, err := client.Hash(h, backend.Job{Blob: blob, StartNonce: start, Target: target}, c.Duration("timeout"))
			if err != nil {
				return err
			}
			want, err := algo.HashRange(params, blob, start, count)
			if err != nil {
				return err
			}

			w := c.App.Writer
			mismatches := 0
			for i, got := range res.Hashes {
				status := "ok"
				if got != want[i] {
					status = "MISMATCH " + hexutil.Encode(want[i][:])
					mismatches++
				}
				share := ""
				if res.Valid[i] {
					share = " share"
				}
				fmt.Fprintf(w, "%10d  %s  %s%s\n", start+uint32(i), hexutil.Encode(got[:]), status, share)
			}
			fmt.Fprintf(w, "%s: %d hashes in %s, %d mismatches\n",
				params.ID(), len(res.Hashes), time.Duration(res.ElapsedMicros)*time.Microsecond, mismatches)

			log.Debug("Verification finished",
				zap.String("algorithm", params.ID()),
				zap.Int("count", count),
				zap.Int("mismatches", mismatches))
			if mismatches > 0 {
				return fmt.Errorf("%w: %d of %d", errMismatch, mismatches, count)
			}
			return nil
		},
	}
}

// decodeBlob accepts a hex blob with or without the 0x prefix.
func decodeBlob(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	blob, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid blob: %w", err)
	}
	return blob, nil
}
