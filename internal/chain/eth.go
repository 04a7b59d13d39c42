package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"poll-monitoring/internal/poll"
)

// deliveryBufferSize bounds the decoded-event queue of a subscription.
const deliveryBufferSize = 256

// Options configures an EthClient.
type Options struct {
	RPCURL     string
	Contract   string
	PrivateKey string // hex, optional: without it the client is read-only
	ChainID    int64  // 0 means ask the node
}

// EthClient implements Client against a VotingSystem deployment over an
// Ethereum JSON-RPC endpoint. Subscriptions need a websocket or IPC URL.
type EthClient struct {
	rpc      *ethclient.Client
	address  common.Address
	contract *bind.BoundContract
	decoder  *Decoder

	// submitMu serializes transactions so nonces are assigned in order.
	submitMu sync.Mutex
	signer   *bind.TransactOpts
}

// Dial connects to the node and binds the contract.
func Dial(ctx context.Context, opts Options) (*EthClient, error) {
	if !common.IsHexAddress(opts.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", opts.Contract)
	}
	contractABI, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	rpc, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, poll.Transport("dial", err)
	}

	address := common.HexToAddress(opts.Contract)
	c := &EthClient{
		rpc:      rpc,
		address:  address,
		contract: bind.NewBoundContract(address, contractABI, rpc, rpc, rpc),
		decoder:  NewDecoder(contractABI),
	}

	if opts.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		if err := c.initSigner(ctx, key, opts.ChainID); err != nil {
			rpc.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *EthClient) initSigner(ctx context.Context, key *ecdsa.PrivateKey, chainID int64) error {
	id := big.NewInt(chainID)
	if chainID == 0 {
		var err error
		if id, err = c.rpc.ChainID(ctx); err != nil {
			return poll.Transport("chain id", err)
		}
	}
	signer, err := bind.NewKeyedTransactorWithChainID(key, id)
	if err != nil {
		return fmt.Errorf("create transactor: %w", err)
	}
	c.signer = signer
	return nil
}

// Account returns the signing address, or the zero address when read-only.
func (c *EthClient) Account() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.From
}

// Head returns the latest block number.
func (c *EthClient) Head(ctx context.Context) (uint64, error) {
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, poll.Transport("block number", err)
	}
	return n, nil
}

func (c *EthClient) callOpts(ctx context.Context, block uint64) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx, BlockNumber: new(big.Int).SetUint64(block)}
}

// PollCount calls voteCount() at the given block.
func (c *EthClient) PollCount(ctx context.Context, block uint64) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(c.callOpts(ctx, block), &out, MethodVoteCount); err != nil {
		return 0, poll.Transport(MethodVoteCount, err)
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("%s: unexpected result %v", MethodVoteCount, out[0])
	}
	return n.Uint64(), nil
}

// PollDetails calls getVoteDetails(id) at the given block. A record whose
// shape is wrong is reported as a DecodeError; invariants are checked by
// the caller.
func (c *EthClient) PollDetails(ctx context.Context, id poll.ID, block uint64) (poll.Poll, error) {
	var out []interface{}
	if err := c.contract.Call(c.callOpts(ctx, block), &out, MethodGetVoteDetails, new(big.Int).SetUint64(uint64(id))); err != nil {
		return poll.Poll{}, poll.Transport(MethodGetVoteDetails, err)
	}
	if len(out) != 3 {
		return poll.Poll{}, &poll.DecodeError{PollID: id, Reason: fmt.Sprintf("%d return values", len(out))}
	}
	question, ok1 := out[0].(string)
	options, ok2 := out[1].([]string)
	rawCounts, ok3 := out[2].([]*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return poll.Poll{}, &poll.DecodeError{PollID: id, Reason: fmt.Sprintf("unexpected types %T, %T, %T", out[0], out[1], out[2])}
	}
	counts := make([]uint64, len(rawCounts))
	for i, v := range rawCounts {
		if v == nil || !v.IsUint64() {
			return poll.Poll{}, &poll.DecodeError{PollID: id, Reason: fmt.Sprintf("count %d = %v does not fit uint64", i, v)}
		}
		counts[i] = v.Uint64()
	}
	return poll.Poll{ID: id, Question: question, Options: options, Counts: counts}, nil
}

// Submit sends a createVote or castVote transaction. It returns as soon as
// the node accepted the transaction into its pool.
func (c *EthClient) Submit(ctx context.Context, op Operation) (Receipt, error) {
	if c.signer == nil {
		return Receipt{}, poll.ErrReadOnly
	}

	var (
		method string
		params []interface{}
	)
	switch op.Kind {
	case OpCreateVote:
		method, params = MethodCreateVote, []interface{}{op.Question, op.Options}
	case OpCastVote:
		method, params = MethodCastVote, []interface{}{
			new(big.Int).SetUint64(uint64(op.PollID)),
			big.NewInt(int64(op.OptionIndex)),
		}
	default:
		return Receipt{}, fmt.Errorf("unsupported operation %d", op.Kind)
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	opts := *c.signer
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return Receipt{}, poll.Transport(method, err)
	}
	return Receipt{Op: op.Kind, TxHash: tx.Hash().Hex(), Nonce: tx.Nonce()}, nil
}

// Subscribe opens a live log subscription for both poll events. There is no
// replay: events emitted before the call are only visible through a
// snapshot.
func (c *EthClient) Subscribe(ctx context.Context) (Subscription, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    c.decoder.Topics(),
	}
	logs := make(chan types.Log, deliveryBufferSize)
	sub, err := c.rpc.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, poll.Transport("subscribe logs", err)
	}

	s := &logSubscription{
		sub:        sub,
		deliveries: make(chan Delivery, deliveryBufferSize),
		errs:       make(chan error, 1),
		quit:       make(chan struct{}),
	}
	go s.pump(logs, c.decoder)
	return s, nil
}

// Close releases the RPC connection.
func (c *EthClient) Close() {
	c.rpc.Close()
}

type logSubscription struct {
	sub        ethereum.Subscription
	deliveries chan Delivery
	errs       chan error
	quit       chan struct{}
	once       sync.Once
}

func (s *logSubscription) pump(logs <-chan types.Log, dec *Decoder) {
	defer close(s.deliveries)
	for {
		select {
		case <-s.quit:
			return
		case err, ok := <-s.sub.Err():
			if ok && err != nil {
				s.errs <- poll.Transport("log subscription", err)
			}
			return
		case l := <-logs:
			ev, err := dec.Decode(l)
			select {
			case s.deliveries <- Delivery{Event: ev, Err: err}:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *logSubscription) Deliveries() <-chan Delivery { return s.deliveries }

func (s *logSubscription) Err() <-chan error { return s.errs }

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}
