// Command oraclesign is the operator's key tool. It seals signing keys into
// encrypted key files, signs oracle answers for pushing to
// /resolution/accept, and signs participant request bodies.
//
//	oraclesign encrypt-key -key 0x... -out oracle.key.json
//	oraclesign sign-answer -key-file oracle.key.json -identifier YES_OR_NO_QUERY \
//	    -ancillary "q: ..." -timestamp 2026-03-01T13:00:00Z -outcome YES
//	oraclesign sign-request -key 0x... -body bet.json
package main

import (
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/oraclepool/internal/crypto"
	"github.com/alanyoungcy/oraclepool/internal/domain"
)

const passwordEnv = "ORACLEPOOL_KEY_PASSWORD"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "encrypt-key":
		err = encryptKey(os.Args[2:])
	case "sign-answer":
		err = signAnswer(os.Args[2:])
	case "sign-request":
		err = signRequest(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "oraclesign: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: oraclesign encrypt-key|sign-answer|sign-request [flags]")
}

// keyFlags registers the flags that locate a signing key.
func keyFlags(fs *flag.FlagSet) *crypto.KeyConfig {
	cfg := &crypto.KeyConfig{}
	fs.StringVar(&cfg.RawPrivateKey, "key", "", "hex private key")
	fs.StringVar(&cfg.EncryptedKeyPath, "key-file", "", "encrypted key file")
	return cfg
}

func loadSigner(cfg *crypto.KeyConfig) (*crypto.Signer, error) {
	if cfg.EncryptedKeyPath != "" {
		cfg.KeyPassword = os.Getenv(passwordEnv)
	}
	pk, err := crypto.LoadKey(*cfg)
	if err != nil {
		return nil, err
	}
	return crypto.NewSignerFromKey(pk), nil
}

func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	key := fs.String("key", "", "hex private key")
	out := fs.String("out", "", "output file (stdout if empty)")
	fs.Parse(args)

	password := os.Getenv(passwordEnv)
	if password == "" {
		return fmt.Errorf("%s must be set", passwordEnv)
	}
	data, err := crypto.EncryptKey(*key, password)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	}
	return os.WriteFile(*out, data, 0o600)
}

func signAnswer(args []string) error {
	fs := flag.NewFlagSet("sign-answer", flag.ExitOnError)
	kc := keyFlags(fs)
	identifier := fs.String("identifier", "YES_OR_NO_QUERY", "price identifier")
	ancillary := fs.String("ancillary", "", "ancillary data, exactly as stored on the market")
	timestamp := fs.String("timestamp", "", "request timestamp (RFC 3339 or unix seconds)")
	outcome := fs.String("outcome", "", "winning outcome label or index")
	labels := fs.String("outcomes", "NO,YES", "market outcome labels in index order, comma separated")
	void := fs.Bool("void", false, "answer unresolvable")
	price := fs.String("price", "", "raw settled price; overrides -outcome and -void")
	fs.Parse(args)

	signer, err := loadSigner(kc)
	if err != nil {
		return err
	}
	id, err := domain.IdentifierFromString(*identifier)
	if err != nil {
		return err
	}
	ts, err := parseTimestamp(*timestamp)
	if err != nil {
		return err
	}

	a := domain.OracleAnswer{
		Query: domain.Query{Identifier: id, Ancillary: []byte(*ancillary), Timestamp: ts},
		State: domain.AnswerSettled,
	}
	switch {
	case *price != "":
		p, ok := new(big.Int).SetString(*price, 10)
		if !ok {
			return fmt.Errorf("bad price %q", *price)
		}
		a.Price = p
	case *void:
		a.Price = new(big.Int).Set(domain.UnresolvablePrice)
	case *outcome != "":
		set, err := domain.NewOutcomeSet(strings.Split(*labels, ","))
		if err != nil {
			return err
		}
		o, err := set.Parse(*outcome)
		if err != nil {
			return err
		}
		a.Price = domain.PriceFor(o)
	default:
		return fmt.Errorf("one of -outcome, -void or -price is required")
	}

	sig, err := signer.SignAnswer(a)
	if err != nil {
		return err
	}
	a.Signature = sig
	data, err := domain.EncodeAnswer(a)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("-timestamp is required")
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", v)
	}
	return t.UTC(), nil
}

func signRequest(args []string) error {
	fs := flag.NewFlagSet("sign-request", flag.ExitOnError)
	kc := keyFlags(fs)
	bodyPath := fs.String("body", "-", "request body file, - for stdin")
	fs.Parse(args)

	signer, err := loadSigner(kc)
	if err != nil {
		return err
	}
	var body []byte
	if *bodyPath == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(*bodyPath)
	}
	if err != nil {
		return err
	}
	sig, err := signer.SignRequest(body)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "signer %s\n", signer.Address().Hex())
	fmt.Println(sig)
	return nil
}
