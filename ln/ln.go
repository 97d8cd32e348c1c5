// Package ln wraps the gRPC connection to an LND node. The rest of the
// codebase depends on the narrow client interfaces defined here, not on
// lnrpc.LightningClient, which keeps the payment driver mockable.
package ln

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"gitlab.com/satstall/satstall/build"
)

var log = build.AddSubLogger("LNDC")

// InvoiceClient is the subset of lnrpc.LightningClient the Lightning payment
// driver needs: minting invoices, looking them up and streaming settlement
// updates.
type InvoiceClient interface {
	AddInvoice(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error)
	LookupInvoice(ctx context.Context, in *lnrpc.PaymentHash, opts ...grpc.CallOption) (*lnrpc.Invoice, error)
	SubscribeInvoices(ctx context.Context, in *lnrpc.InvoiceSubscription, opts ...grpc.CallOption) (lnrpc.Lightning_SubscribeInvoicesClient, error)
	GetInfo(ctx context.Context, in *lnrpc.GetInfoRequest, opts ...grpc.CallOption) (*lnrpc.GetInfoResponse, error)
}

var _ InvoiceClient = lnrpc.LightningClient(nil)

// LightningConfig contains all options for configuring a connection to lnd.
type LightningConfig struct {
	LndDir      string
	TLSCertPath string
	// MacaroonPath corresponds to the --adminmacaroonpath startup option of
	// lnd
	MacaroonPath string
	Network      chaincfg.Params
	RPCServer    string
}

// DefaultRelativeMacaroonPath extracts the macaroon path for a network.
func DefaultRelativeMacaroonPath(network chaincfg.Params) string {
	name := network.Name
	if name == "testnet3" {
		name = "testnet"
	}
	return filepath.Join("data", "chain", "bitcoin", name, "admin.macaroon")
}

// DefaultLndDir is the default location of .lnd
var DefaultLndDir = func() string {
	if len(os.Getenv("LND_DIR")) != 0 {
		return os.Getenv("LND_DIR")
	}
	return btcutil.AppDataDir("lnd", false)
}()

const (
	// DefaultRpcPort is the port lnd listens on by default.
	DefaultRpcPort = "10009"
	// DefaultRpcServer is the host:port lnd is dialed at unless configured.
	DefaultRpcServer = "localhost:" + DefaultRpcPort
)

// NewLNDClient opens a new connection to LND and returns the client.
func NewLNDClient(options LightningConfig) (lnrpc.LightningClient, error) {
	cfg := LightningConfig{
		LndDir:       options.LndDir,
		TLSCertPath:  cleanAndExpandPath(options.TLSCertPath),
		MacaroonPath: cleanAndExpandPath(options.MacaroonPath),
		Network:      options.Network,
		RPCServer:    options.RPCServer,
	}

	if cfg.LndDir == "" {
		cfg.LndDir = DefaultLndDir
	}
	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.LndDir, "tls.cert")
	}
	if cfg.MacaroonPath == "" {
		cfg.MacaroonPath = filepath.Join(cfg.LndDir,
			DefaultRelativeMacaroonPath(options.Network))
	}
	if cfg.RPCServer == "" {
		cfg.RPCServer = DefaultRpcServer
	}

	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, errors.Wrap(err, "cannot get node tls credentials")
	}

	macaroonBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read macaroon file")
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, errors.Wrap(err, "cannot unmarshal macaroon")
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create macaroon credential")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithBlock(),
		grpc.WithPerRPCCredentials(macCred),
	}

	withTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Infof("Connecting to LND with tlsCertPath=%s, macaroonPath=%s, network=%s, rpcServer=%s",
		cfg.TLSCertPath, cfg.MacaroonPath, cfg.Network.Name, cfg.RPCServer)

	conn, err := grpc.DialContext(withTimeout, cfg.RPCServer, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "cannot dial lnd")
	}
	client := lnrpc.NewLightningClient(conn)

	log.Infof("Opened connection to lnd on %s", cfg.RPCServer)

	return client, nil
}

// VerifyConnection calls GetInfo and checks that lnd runs on the expected
// network. Fails fast at startup when credentials or the network are wrong.
func VerifyConnection(lncli InvoiceClient, expected chaincfg.Params) error {
	info, err := lncli.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		return errors.Wrap(err, "could not get lnd info")
	}

	for _, chain := range info.Chains {
		if chain.Chain == "bitcoin" && strings.HasPrefix(expected.Name, chain.Network) {
			return nil
		}
	}
	return fmt.Errorf("shop (%s) and lnd (%+v) are on different networks",
		expected.Name, info.Chains)
}

// AddInvoice adds an invoice and looks it up again in the lnd DB to get the
// fully populated record, including expiry and creation date.
func AddInvoice(ctx context.Context, lncli InvoiceClient, invoiceData lnrpc.Invoice) (*lnrpc.Invoice, error) {
	log.Tracef("Adding invoice: %+v", invoiceData)
	inv, err := lncli.AddInvoice(ctx, &invoiceData)
	if err != nil {
		return nil, errors.Wrap(err, "could not add invoice")
	}

	invoice, err := lncli.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: inv.RHash})
	if err != nil {
		return nil, errors.Wrap(err, "could not look up added invoice")
	}

	log.Debugf("Added invoice with hash %s", hex.EncodeToString(inv.RHash))
	return invoice, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		usr, err := user.Current()
		if err == nil {
			homeDir = usr.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// MaxAmountSatPerInvoice is the largest invoice lnd will create.
const MaxAmountSatPerInvoice = 4294967295 / 1000
