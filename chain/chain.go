package chain

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"ledger-project/errs"
	"ledger-project/logger"
	"ledger-project/models"
	"ledger-project/repository"
	"ledger-project/signer"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultDifficulty    = 4
	DefaultBlockCapacity = 10
	DefaultMiningReward  = 50
	DefaultRewardDecay   = 0.9

	// MaxAmount bounds every amount so balance folds stay within int64.
	MaxAmount = math.MaxInt64
)

var (
	// ErrEmptyPool is returned by ProduceBlock when nothing is pending.
	ErrEmptyPool = errs.New(errs.StateConflict, "transaction pool is empty")
	// ErrNothingAdmissible is returned when every pending entry was dropped or is unfundable.
	ErrNothingAdmissible = errs.New(errs.StateConflict, "no admissible entries in pool")
)

// ContractDispatcher is the part of the contract store the chain calls.
type ContractDispatcher interface {
	Lookup(address, method string) error
	Invoke(address, method string, args []string) (string, error)
}

// Dropped is a pool entry removed during block production.
type Dropped struct {
	Tx     models.Transaction `json:"tx"`
	Reason string             `json:"reason"`
}

// Production reports one block-production cycle.
type Production struct {
	Block     *models.Block `json:"block"`
	Height    uint64        `json:"height"`
	Dropped   []Dropped     `json:"dropped,omitempty"`
	Validator string        `json:"validator,omitempty"`
	Reward    uint64        `json:"reward"`
}

// Chain is the single writer of blocks, the pool and the stake registry.
type Chain struct {
	mu        sync.Mutex
	produceMu sync.Mutex

	blocks []*models.Block
	pool   *TxPool
	stakes *StakeRegistry
	reward uint64
	assets []string

	difficulty  int
	capacity    int
	decay       float64
	allocations map[string]uint64

	dropHooks []func(tx models.Transaction, reason string)

	verifier  signer.Verifier
	contracts ContractDispatcher
	repo      repository.BlockRepositoryInterface
	draw      Drawer
	now       func() time.Time
}

type Option func(*Chain) error

func WithDifficulty(d int) Option {
	return func(c *Chain) error {
		if d < 0 {
			return errors.New("difficulty must not be negative")
		}
		c.difficulty = d
		return nil
	}
}

func WithBlockCapacity(n int) Option {
	return func(c *Chain) error {
		if n <= 0 {
			return errors.New("block capacity must be positive")
		}
		c.capacity = n
		return nil
	}
}

func WithMiningReward(r uint64) Option {
	return func(c *Chain) error {
		if r > MaxAmount {
			return errors.Errorf("mining reward must not exceed %d", uint64(MaxAmount))
		}
		c.reward = r
		return nil
	}
}

func WithRewardDecay(f float64) Option {
	return func(c *Chain) error {
		if f < 0 || f > 1 {
			return errors.New("reward decay must be within [0, 1]")
		}
		c.decay = f
		return nil
	}
}

func WithVerifier(v signer.Verifier) Option {
	return func(c *Chain) error {
		c.verifier = v
		return nil
	}
}

func WithContracts(d ContractDispatcher) Option {
	return func(c *Chain) error {
		c.contracts = d
		return nil
	}
}

func WithRepository(r repository.BlockRepositoryInterface) Option {
	return func(c *Chain) error {
		c.repo = r
		return nil
	}
}

func WithDrawer(d Drawer) Option {
	return func(c *Chain) error {
		c.draw = d
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) error {
		c.now = now
		return nil
	}
}

// WithAllocations mints the given balances on a fresh chain.
func WithAllocations(alloc map[string]uint64) Option {
	return func(c *Chain) error {
		var total uint64
		for addr, amount := range alloc {
			if amount > MaxAmount-total {
				return errors.Errorf("allocations overflow at %s", addr)
			}
			total += amount
		}
		c.allocations = alloc
		return nil
	}
}

// NewChain creates a chain with a genesis block, or reloads and validates
// the blocks held by the configured repository.
func NewChain(opts ...Option) (*Chain, error) {
	c := &Chain{
		pool:       NewTxPool(),
		stakes:     NewStakeRegistry(),
		reward:     DefaultMiningReward,
		difficulty: DefaultDifficulty,
		capacity:   DefaultBlockCapacity,
		decay:      DefaultRewardDecay,
		verifier:   signer.NewSecp256k1(),
		draw:       NewRandomDrawer(),
		now:        time.Now,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.repo != nil {
		loaded, err := c.load()
		if err != nil {
			return nil, err
		}
		if loaded {
			return c, nil
		}
	}

	genesis := NewBlock(models.GenesisPreviousHash, nil, c.now())
	if err := c.persist(0, genesis, c.reward); err != nil {
		return nil, err
	}
	c.blocks = []*models.Block{genesis}

	addrs := make([]string, 0, len(c.allocations))
	for addr := range c.allocations {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		c.mint(addr, c.allocations[addr])
	}

	return c, nil
}

func (c *Chain) load() (bool, error) {
	blocks, err := c.repo.GetAllBlocks()
	if err != nil {
		return false, errors.Wrap(err, "loading blocks")
	}
	if len(blocks) == 0 {
		return false, nil
	}

	c.blocks = blocks
	if idx, err := c.validateLocked(); err != nil {
		return false, errors.Wrapf(err, "stored chain invalid at block %d", idx)
	}

	cp, err := c.repo.GetLatestCheckpoint()
	if err != nil {
		return false, errors.Wrap(err, "loading checkpoint")
	}
	if cp != nil {
		c.reward = cp.Reward
	}

	// stakes are rebuilt from embedded stake entries
	for _, b := range blocks {
		for _, tx := range b.Transactions {
			if tx.Kind == models.KindStake {
				c.stakes.Add(tx.Sender, tx.Amount)
			}
		}
	}

	logger.Logger.Info("Chain loaded from repository",
		zap.Int("blocks", len(blocks)), zap.Uint64("reward", c.reward))

	return true, nil
}

func (c *Chain) persist(height uint64, b *models.Block, reward uint64) error {
	if c.repo == nil {
		return nil
	}

	state := &models.ChainState{
		Height:    height,
		TipHash:   b.Hash,
		Reward:    reward,
		UpdatedAt: c.now().UnixMilli(),
	}
	return errors.Wrap(c.repo.AppendBlock(height, b, state), "persisting block")
}

// Submit is the admission gate for user-issued entries.
func (c *Chain) Submit(tx models.Transaction, publicKey, signature []byte) error {
	if err := checkShape(&tx); err != nil {
		return err
	}
	if tx.Kind != models.KindTransfer && tx.Kind != models.KindContract {
		return errs.New(errs.ValidationFailure, "%s entries are protocol-issued", tx.Kind)
	}

	if !c.verifier.Verify(publicKey, signature, tx.SigningBytes()) {
		return errs.New(errs.ValidationFailure, "bad signature")
	}
	addr, err := c.verifier.Address(publicKey)
	if err != nil || addr != tx.Sender {
		return errs.New(errs.ValidationFailure, "signer key does not match sender %s", tx.Sender)
	}
	tx.Signature = signature

	c.mu.Lock()
	defer c.mu.Unlock()

	balance := c.balanceLocked(tx.Sender)
	existing := c.pool.find(tx.Sender, tx.Recipient)
	if existing != nil {
		if len(existing.tx.Signature) == 0 {
			return errs.New(errs.StateConflict, "pair has a pending protocol entry")
		}
		if tx.Fee <= existing.tx.Fee {
			return errs.New(errs.StateConflict, "fee %d not higher than pending fee %d", tx.Fee, existing.tx.Fee)
		}
		// the replaced entry's outflow no longer applies
		if existing.tx.Sender == tx.Sender {
			balance += int64(existing.tx.Amount)
		}
	}
	if !covers(balance, tx.Amount) {
		return errs.New(errs.ValidationFailure, "insufficient funds: balance %d, amount %d", balance, tx.Amount)
	}

	if existing != nil {
		c.pool.replace(existing, tx)
		logger.Logger.Info("Pool entry replaced by fee",
			zap.String("sender", tx.Sender), zap.String("recipient", tx.Recipient),
			zap.Uint64("old_fee", existing.tx.Fee), zap.Uint64("fee", tx.Fee))
		return nil
	}

	c.pool.push(tx)
	logger.Logger.Debug("Pool entry admitted",
		zap.String("sender", tx.Sender), zap.String("recipient", tx.Recipient), zap.Uint64("fee", tx.Fee))
	return nil
}

func checkShape(tx *models.Transaction) error {
	if tx.Sender == "" || tx.Recipient == "" {
		return errs.New(errs.ValidationFailure, "sender and recipient are required")
	}
	if tx.Amount > MaxAmount || tx.Fee > MaxAmount {
		return errs.New(errs.ValidationFailure, "amount and fee must not exceed %d", uint64(MaxAmount))
	}
	switch tx.Kind {
	case models.KindContract:
		if tx.Contract == nil || tx.Contract.Address == "" || tx.Contract.Method == "" {
			return errs.New(errs.ValidationFailure, "contract entry needs target address and method")
		}
	case models.KindTransfer, models.KindStake, models.KindReward:
		if tx.Contract != nil {
			return errs.New(errs.ValidationFailure, "%s entry must not carry a contract target", tx.Kind)
		}
	default:
		return errs.New(errs.ValidationFailure, "unknown entry kind %q", tx.Kind)
	}
	return nil
}

// Stake locks amount of address's balance into the stake registry and
// records the outflow as a stake entry. The registry credit is withdrawn
// again if block production drops that entry.
func (c *Chain) Stake(address string, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stakeLocked(address, amount)
}

func (c *Chain) stakeLocked(address string, amount uint64) error {
	if amount == 0 || amount > MaxAmount {
		return errs.New(errs.ValidationFailure, "stake amount must be within [1, %d]", uint64(MaxAmount))
	}
	if balance := c.balanceLocked(address); !covers(balance, amount) {
		return errs.New(errs.ValidationFailure, "insufficient funds to stake: balance %d, amount %d", balance, amount)
	}

	c.stakes.Add(address, amount)
	c.pool.mergeProtocol(models.Transaction{
		Sender:    address,
		Recipient: models.StakeAddress,
		Amount:    amount,
		Kind:      models.KindStake,
	})

	logger.Logger.Info("Stake registered", zap.String("address", address), zap.Uint64("amount", amount))
	return nil
}

// StakeMessage is what the owner of address signs to stake amount on top
// of the held stake. held orders requests, so a signature is spent once
// the stake moves on.
func StakeMessage(address string, amount, held uint64) []byte {
	return []byte(fmt.Sprintf("stake|%d:%s|%d|%d", len(address), address, amount, held))
}

// StakeSigned is Stake gated on a signature by the key owning address.
func (c *Chain) StakeSigned(address string, amount uint64, publicKey, signature []byte) error {
	addr, err := c.verifier.Address(publicKey)
	if err != nil || addr != address {
		return errs.New(errs.ValidationFailure, "signer key does not match %s", address)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.stakes.stakes[address]
	if !c.verifier.Verify(publicKey, signature, StakeMessage(address, amount, held)) {
		return errs.New(errs.ValidationFailure, "bad stake signature")
	}
	return c.stakeLocked(address, amount)
}

// SelectValidator draws a validator weighted by stake.
func (c *Chain) SelectValidator() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stakes.Select(c.draw)
}

// Escrow moves channel deposits from each party to account. Either every
// deposit is covered and recorded, or none is. A deposit entry that block
// production later drops is reported to the OnDropped hooks.
func (c *Chain) Escrow(account string, deposits []models.Allocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range deposits {
		if d.Amount > MaxAmount {
			return errs.New(errs.ValidationFailure, "deposit by %s exceeds %d", d.Address, uint64(MaxAmount))
		}
		if balance := c.balanceLocked(d.Address); !covers(balance, d.Amount) {
			return errs.New(errs.ValidationFailure, "insufficient funds for deposit by %s: balance %d, amount %d",
				d.Address, balance, d.Amount)
		}
	}
	for _, d := range deposits {
		if d.Amount == 0 {
			continue
		}
		c.pool.mergeProtocol(models.Transaction{
			Sender:    d.Address,
			Recipient: account,
			Amount:    d.Amount,
			Kind:      models.KindTransfer,
		})
	}
	return nil
}

// Settle pays escrowed funds held by account back out.
func (c *Chain) Settle(account string, payouts []models.Allocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total uint64
	for _, p := range payouts {
		if p.Amount > MaxAmount-total {
			return errs.New(errs.ValidationFailure, "payouts from %s overflow", account)
		}
		total += p.Amount
	}
	if balance := c.balanceLocked(account); !covers(balance, total) {
		return errs.New(errs.ValidationFailure, "escrow %s holds %d, cannot settle %d", account, balance, total)
	}

	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		c.pool.mergeProtocol(models.Transaction{
			Sender:    account,
			Recipient: p.Address,
			Amount:    p.Amount,
			Kind:      models.KindTransfer,
		})
	}
	return nil
}

// OnDropped registers fn to run for every entry block production drops.
// Hooks run after the chain lock is released, so they may call back into
// the chain.
func (c *Chain) OnDropped(fn func(tx models.Transaction, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropHooks = append(c.dropHooks, fn)
}

func (c *Chain) notifyDropped(hooks []func(models.Transaction, string), dropped []Dropped) {
	for _, d := range dropped {
		for _, fn := range hooks {
			fn(d.Tx, d.Reason)
		}
	}
}

// mint enqueues a protocol reward; callers hold mu or own c exclusively.
func (c *Chain) mint(address string, amount uint64) {
	if amount == 0 {
		return
	}
	c.pool.mergeProtocol(models.Transaction{
		Sender:    models.NetworkAddress,
		Recipient: address,
		Amount:    amount,
		Kind:      models.KindReward,
	})
}

// ProduceBlock runs one block-production cycle. minerHint receives the
// reward when no stake is registered.
func (c *Chain) ProduceBlock(ctx context.Context, minerHint string) (*Production, error) {
	c.produceMu.Lock()
	defer c.produceMu.Unlock()

	c.mu.Lock()
	if c.pool.Len() == 0 {
		c.mu.Unlock()
		return nil, ErrEmptyPool
	}

	confirmed := c.confirmedBalancesLocked()
	admissible, dropped := c.executeLocked(confirmed)
	selected := c.packLocked(admissible, confirmed)
	result := &Production{Dropped: dropped}

	txs := make([]models.Transaction, len(selected))
	for i, e := range selected {
		txs[i] = e.tx
	}
	tip := c.blocks[len(c.blocks)-1].Hash
	block := NewBlock(tip, txs, c.now())
	hooks := append(([]func(models.Transaction, string))(nil), c.dropHooks...)
	c.mu.Unlock()

	c.notifyDropped(hooks, dropped)
	if len(selected) == 0 {
		return result, ErrNothingAdmissible
	}

	start := time.Now()
	if err := Mine(ctx, block, c.difficulty); err != nil {
		return result, errors.Wrap(err, "mining cancelled")
	}
	logger.Logger.Debug("Block mined",
		zap.String("hash", block.Hash), zap.Uint64("nonce", block.Nonce), zap.Duration("took", time.Since(start)))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.blocks[len(c.blocks)-1].Hash != tip {
		return result, errs.New(errs.StateConflict, "chain tip moved while mining")
	}
	if !c.pool.containsAll(selected) {
		return result, errs.New(errs.StateConflict, "pool changed while mining")
	}

	validator, err := c.stakes.Select(c.draw)
	if err != nil {
		validator = minerHint
		logger.Logger.Warn("Validator selection failed", zap.Error(err), zap.String("fallback", minerHint))
	}

	nextReward := uint64(float64(c.reward) * c.decay)
	height := uint64(len(c.blocks))
	if err := c.persist(height, block, nextReward); err != nil {
		return result, err
	}

	c.blocks = append(c.blocks, block)

	done := make(map[*pooledTx]struct{}, len(selected))
	for _, e := range selected {
		done[e] = struct{}{}
	}
	c.pool.remove(done)

	// minted only after the embedded entries left the pool, so the payout
	// never merges into an entry this block already carries
	if validator != "" {
		c.mint(validator, c.reward)
		result.Validator = validator
		result.Reward = c.reward
	}

	c.reward = nextReward
	c.dispatchContracts(block)

	result.Block = block
	result.Height = height

	logger.Logger.Info("Block appended",
		zap.Uint64("height", height), zap.String("hash", block.Hash),
		zap.Int("entries", len(block.Transactions)), zap.Int("dropped", len(dropped)),
		zap.String("validator", validator), zap.Uint64("next_reward", c.reward))

	return result, nil
}

// executeLocked walks the pool in insertion order against a running copy of
// confirmed balances. Inadmissible entries leave the pool.
func (c *Chain) executeLocked(confirmed map[string]int64) ([]*pooledTx, []Dropped) {
	running := copyBalances(confirmed)

	var admissible []*pooledTx
	var dropped []Dropped
	drop := make(map[*pooledTx]struct{})

	for _, e := range c.pool.entries {
		if reason := c.admitReason(&e.tx, running); reason != "" {
			dropped = append(dropped, Dropped{Tx: e.tx, Reason: reason})
			drop[e] = struct{}{}
			if e.tx.Kind == models.KindStake {
				c.stakes.Remove(e.tx.Sender, e.tx.Amount)
			}
			logger.Logger.Warn("Pool entry dropped",
				zap.String("sender", e.tx.Sender), zap.String("recipient", e.tx.Recipient),
				zap.String("reason", reason))
			continue
		}
		applyTx(running, &e.tx)
		admissible = append(admissible, e)
	}

	c.pool.remove(drop)
	return admissible, dropped
}

func (c *Chain) admitReason(tx *models.Transaction, running map[string]int64) string {
	if err := checkShape(tx); err != nil {
		return err.Error()
	}
	if tx.Kind == models.KindContract {
		if c.contracts == nil {
			return "no contract store configured"
		}
		if err := c.contracts.Lookup(tx.Contract.Address, tx.Contract.Method); err != nil {
			return err.Error()
		}
	}
	if tx.Kind != models.KindReward && !covers(running[tx.Sender], tx.Amount) {
		return "insufficient funds"
	}
	return ""
}

// packLocked fills the block by descending fee. Entries that the selected
// set cannot fund yet stay pending; passes repeat while they make progress
// so an entry can spend funds received earlier in the same block.
func (c *Chain) packLocked(admissible []*pooledTx, confirmed map[string]int64) []*pooledTx {
	local := copyBalances(confirmed)
	remaining := byFee(admissible)

	var selected []*pooledTx
	for progress := true; progress && len(selected) < c.capacity; {
		progress = false
		next := remaining[:0]
		for _, e := range remaining {
			if len(selected) >= c.capacity {
				break
			}
			if e.tx.Kind != models.KindReward && !covers(local[e.tx.Sender], e.tx.Amount) {
				next = append(next, e)
				continue
			}
			applyTx(local, &e.tx)
			selected = append(selected, e)
			progress = true
		}
		remaining = next
	}

	return byFee(selected)
}

func (c *Chain) dispatchContracts(b *models.Block) {
	if c.contracts == nil {
		return
	}
	for _, tx := range b.Transactions {
		if tx.Kind != models.KindContract {
			continue
		}
		if _, err := c.contracts.Invoke(tx.Contract.Address, tx.Contract.Method, tx.Contract.Args); err != nil {
			logger.Logger.Warn("Contract invocation failed",
				zap.String("contract", tx.Contract.Address), zap.String("method", tx.Contract.Method), zap.Error(err))
		}
	}
}

// ValidateChain rescans every block. It returns -1 and nil for a valid
// chain, otherwise the first failing index and an IntegrityBreach.
func (c *Chain) ValidateChain() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.validateLocked()
}

func (c *Chain) validateLocked() (int, error) {
	for i, b := range c.blocks {
		if ComputeHash(b) != b.Hash {
			return i, errs.New(errs.IntegrityBreach, "block %d hash does not match its contents", i)
		}
		if i == 0 {
			if b.PreviousHash != models.GenesisPreviousHash {
				return 0, errs.New(errs.IntegrityBreach, "genesis block has previous hash %q", b.PreviousHash)
			}
			continue
		}
		if b.PreviousHash != c.blocks[i-1].Hash {
			return i, errs.New(errs.IntegrityBreach, "block %d does not link to block %d", i, i-1)
		}
	}
	return -1, nil
}

// GetBalance folds every embedded and pending entry touching address.
func (c *Chain) GetBalance(address string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.balanceLocked(address)
}

func (c *Chain) balanceLocked(address string) int64 {
	var balance int64
	for _, b := range c.blocks {
		if !mayTouch(b, address) {
			continue
		}
		for i := range b.Transactions {
			balance += delta(&b.Transactions[i], address)
		}
	}
	for _, e := range c.pool.entries {
		balance += delta(&e.tx, address)
	}
	return balance
}

func (c *Chain) confirmedBalancesLocked() map[string]int64 {
	balances := make(map[string]int64)
	for _, b := range c.blocks {
		for i := range b.Transactions {
			applyTx(balances, &b.Transactions[i])
		}
	}
	return balances
}

// covers compares in unsigned arithmetic so no amount can wrap negative.
func covers(balance int64, amount uint64) bool {
	return balance >= 0 && uint64(balance) >= amount
}

func delta(tx *models.Transaction, address string) int64 {
	var d int64
	if tx.Sender == address {
		d -= int64(tx.Amount)
	}
	if tx.Recipient == address {
		d += int64(tx.Amount)
	}
	return d
}

func applyTx(balances map[string]int64, tx *models.Transaction) {
	balances[tx.Sender] -= int64(tx.Amount)
	balances[tx.Recipient] += int64(tx.Amount)
}

func copyBalances(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Blocks returns the chain's blocks. The blocks are shared and must not be modified.
func (c *Chain) Blocks() []*models.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}

func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return uint64(len(c.blocks) - 1)
}

func (c *Chain) Pending() []models.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pool.Pending()
}

func (c *Chain) Stakes() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stakes.Snapshot()
}

// Reward is the amount the next validator payout will mint.
func (c *Chain) Reward() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reward
}

func (c *Chain) Difficulty() int {
	return c.difficulty
}

func (c *Chain) BlockCapacity() int {
	return c.capacity
}
