package main

import (
	"path/filepath"

	"github.com/coder/serpent"
	"golang.org/x/xerrors"

	"github.com/pshima/interlope/pkg/certificates"
)

const defaultCertDir = "./certs"

func caCmd() *serpent.Command {
	return &serpent.Command{
		Use:   "ca",
		Short: "Manage the interception certificate authority.",
		Children: []*serpent.Command{
			caGenerateCmd(),
			caInfoCmd(),
			caIssueCmd(),
			caVerifyCmd(),
		},
	}
}

type keyFlags struct {
	algorithm string
	size      int64
}

func (f *keyFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "key-algorithm",
			Env:         envPrefix + "KEY_ALGORITHM",
			Description: "Key type for new certificates.",
			Default:     string(certificates.KeyAlgorithmRSA),
			Value:       serpent.EnumOf(&f.algorithm, string(certificates.KeyAlgorithmRSA), string(certificates.KeyAlgorithmECDSA)),
		},
		serpent.Option{
			Flag:        "key-size",
			Env:         envPrefix + "KEY_SIZE",
			Description: "RSA modulus size in bits.",
			Default:     "2048",
			Value:       serpent.Int64Of(&f.size),
		},
	)
}

func (f *keyFlags) apply(cli *certificates.CertificateCLI) {
	cli.KeyAlgorithm = certificates.KeyAlgorithm(f.algorithm)
	cli.KeySize = int(f.size)
}

func caGenerateCmd() *serpent.Command {
	var (
		certPath string
		keyPath  string
		keys     keyFlags
	)
	cmd := &serpent.Command{
		Use:   "generate",
		Short: "Create a new CA certificate and key. Existing files are left alone.",
		Handler: func(inv *serpent.Invocation) error {
			cli := certificates.NewCertificateCLI(inv.Stdout)
			keys.apply(cli)
			return cli.GenerateCA(certPath, keyPath)
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "cert",
			Env:         envPrefix + "CA_CERT",
			Description: "Where to write the CA certificate.",
			Default:     filepath.Join(defaultCertDir, "ca.crt"),
			Value:       serpent.StringOf(&certPath),
		},
		{
			Flag:        "key",
			Env:         envPrefix + "CA_KEY",
			Description: "Where to write the CA private key.",
			Default:     filepath.Join(defaultCertDir, "ca.key"),
			Value:       serpent.StringOf(&keyPath),
		},
	}
	keys.attach(&cmd.Options)
	return cmd
}

func caInfoCmd() *serpent.Command {
	return &serpent.Command{
		Use:        "info [certificate]",
		Short:      "Describe a certificate, by default the CA.",
		Middleware: serpent.RequireRangeArgs(0, 1),
		Handler: func(inv *serpent.Invocation) error {
			path := filepath.Join(defaultCertDir, "ca.crt")
			if len(inv.Args) == 1 {
				path = inv.Args[0]
			}
			return certificates.NewCertificateCLI(inv.Stdout).ShowCertificateInfo(path)
		},
	}
}

func caIssueCmd() *serpent.Command {
	var (
		certPath  string
		keyPath   string
		outputDir string
		days      int64
		keys      keyFlags
	)
	cmd := &serpent.Command{
		Use:   "issue <domain>...",
		Short: "Sign a leaf certificate for the given names with the CA.",
		Handler: func(inv *serpent.Invocation) error {
			if len(inv.Args) == 0 {
				return xerrors.New("at least one domain must be specified")
			}
			ca := certificates.NewCAManager(certPath, keyPath)
			if err := ca.LoadCA(); err != nil {
				return err
			}
			if err := ca.ValidateCA(); err != nil {
				return xerrors.Errorf("validate CA: %w", err)
			}

			cli := certificates.NewCertificateCLI(inv.Stdout)
			keys.apply(cli)
			return cli.GenerateCertificate(ca, inv.Args, int(days), outputDir)
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "ca-cert",
			Env:         envPrefix + "CA_CERT",
			Description: "CA certificate to sign with.",
			Default:     filepath.Join(defaultCertDir, "ca.crt"),
			Value:       serpent.StringOf(&certPath),
		},
		{
			Flag:        "ca-key",
			Env:         envPrefix + "CA_KEY",
			Description: "CA private key to sign with.",
			Default:     filepath.Join(defaultCertDir, "ca.key"),
			Value:       serpent.StringOf(&keyPath),
		},
		{
			Flag:        "out",
			Description: "Directory for the certificate and key.",
			Default:     ".",
			Value:       serpent.StringOf(&outputDir),
		},
		{
			Flag:        "days",
			Description: "Validity period in days.",
			Default:     "365",
			Value:       serpent.Int64Of(&days),
		},
	}
	keys.attach(&cmd.Options)
	return cmd
}

func caVerifyCmd() *serpent.Command {
	var host string
	cmd := &serpent.Command{
		Use:        "verify <certificate>",
		Short:      "Check that a certificate is current and, optionally, covers a host.",
		Middleware: serpent.RequireNArgs(1),
		Handler: func(inv *serpent.Invocation) error {
			return certificates.NewCertificateCLI(inv.Stdout).ValidateCertificate(inv.Args[0], host)
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "host",
			Description: "Host name or IP the certificate must cover.",
			Value:       serpent.StringOf(&host),
		},
	}
	return cmd
}
