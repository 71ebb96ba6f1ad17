package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ledger-project/chain"
	"ledger-project/channel"
	"ledger-project/contract"
	"ledger-project/handlers"
	"ledger-project/logger"
	"ledger-project/models"
	"ledger-project/notify"
	"ledger-project/repository"
	"ledger-project/routers"
	"ledger-project/signer"
	"ledger-project/watchtower"
)

type mockRepo struct {
	mu     sync.Mutex
	blocks map[uint64]*models.Block
	states map[uint64]*models.ChainState
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		blocks: make(map[uint64]*models.Block),
		states: make(map[uint64]*models.ChainState),
	}
}

func (m *mockRepo) AppendBlock(height uint64, block *models.Block, state *models.ChainState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, s := *block, *state
	m.blocks[height] = &b
	m.states[height] = &s
	return nil
}

func (m *mockRepo) GetAllBlocks() ([]*models.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]*models.Block, 0, len(m.blocks))
	for h := uint64(0); h < uint64(len(m.blocks)); h++ {
		copy := *m.blocks[h]
		res = append(res, &copy)
	}
	return res, nil
}

func (m *mockRepo) GetLatestCheckpoint() (*models.ChainState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return nil, nil
	}
	copy := *m.states[uint64(len(m.states)-1)]
	return &copy, nil
}

type testEnv struct {
	router *mux.Router
	repo   *mockRepo
	clock  *clock.Mock
	alice  *signer.KeyPair
	bob    *signer.KeyPair
}

const disputeWindow = time.Hour

func testServer(t *testing.T) *testEnv {
	logger.Logger = zap.NewNop()

	alice, err := signer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	bob, err := signer.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	env := &testEnv{repo: newMockRepo(), clock: clock.NewMock(), alice: alice, bob: bob}

	var repoInterface repository.BlockRepositoryInterface = env.repo
	contracts := contract.NewStore()
	c, err := chain.NewChain(
		chain.WithDifficulty(1),
		chain.WithRepository(repoInterface),
		chain.WithContracts(contracts),
		chain.WithAllocations(map[string]uint64{alice.Address: 100, bob.Address: 50}),
	)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	channels := channel.NewRegistry(c, signer.NewSecp256k1(),
		channel.WithClock(env.clock), channel.WithDisputeWindow(disputeWindow))
	c.OnDropped(channels.EscrowDropped)
	towers := watchtower.NewDirectory(channels, notify.LogNotifier{})

	handler := handlers.NewHandler(c, contracts, channels, towers, "")
	env.router = mux.NewRouter()
	routers.RegisterRoutes(env.router, handler)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		bodyJSON, _ := json.Marshal(body)
		reader = bytes.NewReader(bodyJSON)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	res := httptest.NewRecorder()
	e.router.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder, v interface{}) {
	if err := json.Unmarshal(res.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding body %q: %v", res.Body.String(), err)
	}
}

func signedTransfer(t *testing.T, kp *signer.KeyPair, recipient string, amount, fee uint64) map[string]interface{} {
	tx := models.Transaction{Sender: kp.Address, Recipient: recipient, Amount: amount, Fee: fee, Kind: models.KindTransfer}
	sig, err := signer.NewSecp256k1().Sign(tx.SigningBytes(), kp.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]interface{}{
		"transaction": tx,
		"public_key":  hexutil.Encode(kp.PublicKey),
		"signature":   hexutil.Encode(sig),
	}
}

func signedStake(t *testing.T, kp *signer.KeyPair, amount, held uint64) map[string]interface{} {
	sig, err := signer.NewSecp256k1().Sign(chain.StakeMessage(kp.Address, amount, held), kp.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]interface{}{
		"address":    kp.Address,
		"amount":     amount,
		"public_key": hexutil.Encode(kp.PublicKey),
		"signature":  hexutil.Encode(sig),
	}
}

func signedOpen(t *testing.T, e *testEnv, deposit1, deposit2 uint64, opened int) map[string]interface{} {
	s := signer.NewSecp256k1()
	msg := channel.OpenMessage(e.alice.Address, e.bob.Address, deposit1, deposit2, opened)
	s1, err := s.Sign(msg, e.alice.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	s2, err := s.Sign(msg, e.bob.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]interface{}{
		"party1":   map[string]string{"address": e.alice.Address, "public_key": hexutil.Encode(e.alice.PublicKey)},
		"party2":   map[string]string{"address": e.bob.Address, "public_key": hexutil.Encode(e.bob.PublicKey)},
		"deposit1": deposit1,
		"deposit2": deposit2,
		"sig1":     hexutil.Encode(s1),
		"sig2":     hexutil.Encode(s2),
	}
}

func balanceOf(t *testing.T, e *testEnv, address string) int64 {
	res := e.do(t, http.MethodGet, "/balances/"+address, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, res, &body)
	return body.Balance
}

func TestSubmitTransaction_Success(t *testing.T) {
	env := testServer(t)

	res := env.do(t, http.MethodPost, "/transactions", signedTransfer(t, env.alice, "carol", 30, 2))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}

	if got := balanceOf(t, env, env.alice.Address); got != 70 {
		t.Fatalf("expected balance 70, got %d", got)
	}
	if got := balanceOf(t, env, "carol"); got != 30 {
		t.Fatalf("expected balance 30, got %d", got)
	}
}

func TestSubmitTransaction_Rejections(t *testing.T) {
	env := testServer(t)

	res := env.do(t, http.MethodPost, "/transactions", signedTransfer(t, env.alice, "carol", 500, 1))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected insufficient funds 400, got %d, body: %s", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodPost, "/transactions", signedTransfer(t, env.alice, "carol", 10, 5))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}

	res = env.do(t, http.MethodPost, "/transactions", signedTransfer(t, env.alice, "carol", 10, 5))
	if res.Code != http.StatusConflict {
		t.Fatalf("expected replace-by-fee loss 409, got %d, body: %s", res.Code, res.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewReader([]byte("{bad")))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid payload 400, got %d", rec.Code)
	}
}

func TestProduceBlock(t *testing.T) {
	env := testServer(t)

	res := env.do(t, http.MethodPost, "/blocks", map[string]string{"miner": "miner-1"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d, body: %s", res.Code, res.Body.String())
	}

	var prod chain.Production
	decodeBody(t, res, &prod)
	if prod.Height != 1 || len(prod.Block.Transactions) != 2 {
		t.Fatalf("unexpected production: height %d, %d entries", prod.Height, len(prod.Block.Transactions))
	}
	if prod.Validator != "miner-1" || prod.Reward != chain.DefaultMiningReward {
		t.Fatalf("expected reward to miner-1, got %q %d", prod.Validator, prod.Reward)
	}
	if len(env.repo.blocks) != 2 {
		t.Fatalf("expected 2 persisted blocks, got %d", len(env.repo.blocks))
	}

	res = env.do(t, http.MethodGet, "/blocks/1", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	res = env.do(t, http.MethodGet, "/blocks/9", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}

	res = env.do(t, http.MethodGet, "/chain/validate", nil)
	var valid struct {
		Valid bool `json:"valid"`
	}
	decodeBody(t, res, &valid)
	if !valid.Valid {
		t.Fatalf("expected valid chain, body: %s", res.Body.String())
	}
}

func TestProduceBlock_EmptyPool(t *testing.T) {
	env := testServer(t)

	if res := env.do(t, http.MethodPost, "/blocks", nil); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	res := env.do(t, http.MethodPost, "/blocks", nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected empty pool 409, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestStakeAndValidator(t *testing.T) {
	env := testServer(t)

	res := env.do(t, http.MethodGet, "/validator", nil)
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected no stake 503, got %d", res.Code)
	}

	res = env.do(t, http.MethodPost, "/stakes", map[string]interface{}{"address": env.alice.Address, "amount": 40})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected unsigned stake 400, got %d", res.Code)
	}

	// bob cannot lock alice's funds with his own key
	forged := signedStake(t, env.bob, 40, 0)
	forged["address"] = env.alice.Address
	if res := env.do(t, http.MethodPost, "/stakes", forged); res.Code != http.StatusBadRequest {
		t.Fatalf("expected foreign key 400, got %d", res.Code)
	}

	stake := signedStake(t, env.alice, 40, 0)
	res = env.do(t, http.MethodPost, "/stakes", stake)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}
	if res := env.do(t, http.MethodPost, "/stakes", stake); res.Code != http.StatusBadRequest {
		t.Fatalf("expected replayed stake 400, got %d", res.Code)
	}

	res = env.do(t, http.MethodGet, "/validator", nil)
	var body map[string]string
	decodeBody(t, res, &body)
	if body["validator"] != env.alice.Address {
		t.Fatalf("expected validator %s, got %s", env.alice.Address, body["validator"])
	}

	if got := balanceOf(t, env, env.alice.Address); got != 60 {
		t.Fatalf("expected balance 60 after staking, got %d", got)
	}
}

func TestAssetsAndContracts(t *testing.T) {
	env := testServer(t)

	if res := env.do(t, http.MethodPost, "/assets", map[string]string{"name": "gold"}); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	if res := env.do(t, http.MethodPost, "/assets", map[string]string{"name": "gold"}); res.Code != http.StatusOK {
		t.Fatalf("expected repeat registration 200, got %d", res.Code)
	}

	res := env.do(t, http.MethodPost, "/contracts", map[string]string{"kind": "kv", "address": "kv1"})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}
	if res := env.do(t, http.MethodPost, "/contracts", map[string]string{"kind": "kv", "address": "kv1"}); res.Code != http.StatusConflict {
		t.Fatalf("expected duplicate 409, got %d", res.Code)
	}

	res = env.do(t, http.MethodGet, "/contracts", nil)
	var addresses []string
	decodeBody(t, res, &addresses)
	if len(addresses) != 1 || addresses[0] != "kv1" {
		t.Fatalf("expected [kv1], got %v", addresses)
	}

	tx := models.Transaction{Sender: env.alice.Address, Recipient: "kv1", Kind: models.KindContract,
		Contract: &models.ContractCall{Address: "kv1", Method: "set_value", Args: []string{"color", "blue"}}}
	sig, _ := signer.NewSecp256k1().Sign(tx.SigningBytes(), env.alice.PrivateKey)
	res = env.do(t, http.MethodPost, "/transactions", map[string]interface{}{
		"transaction": tx,
		"public_key":  hexutil.Encode(env.alice.PublicKey),
		"signature":   hexutil.Encode(sig),
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}
	if res := env.do(t, http.MethodPost, "/blocks", nil); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodGet, "/contracts/kv1", nil)
	var body struct {
		State map[string]string `json:"state"`
	}
	decodeBody(t, res, &body)
	if body.State["color"] != "blue" {
		t.Fatalf("expected contract state to be set, got %v", body.State)
	}
}

func signCommitment(t *testing.T, e *testEnv, id string, index int, amount int64) (string, string) {
	s := signer.NewSecp256k1()
	msg := channel.CommitmentMessage(id, index, amount)
	s1, err := s.Sign(msg, e.alice.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	s2, err := s.Sign(msg, e.bob.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return hexutil.Encode(s1), hexutil.Encode(s2)
}

func TestChannelLifecycle(t *testing.T) {
	env := testServer(t)

	unsigned := signedOpen(t, env, 100, 50, 0)
	delete(unsigned, "sig2")
	if res := env.do(t, http.MethodPost, "/channels", unsigned); res.Code != http.StatusBadRequest {
		t.Fatalf("expected open without party2 signature 400, got %d", res.Code)
	}

	res := env.do(t, http.MethodPost, "/channels", signedOpen(t, env, 100, 50, 0))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}
	var info channel.Info
	decodeBody(t, res, &info)

	s1, s2 := signCommitment(t, env, info.ID, 0, 20)
	res = env.do(t, http.MethodPost, "/channels/"+info.ID+"/updates", map[string]interface{}{"amount": 20, "sig1": s1, "sig2": s2})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	if res := env.do(t, http.MethodPost, "/watchtowers", map[string]string{"id": "tower"}); res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.Code)
	}
	res = env.do(t, http.MethodPost, "/watchtowers/tower/monitor", map[string]interface{}{
		"channel_id": info.ID, "index": 0, "amount": 20, "sig1": s1, "sig2": s2,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	if res := env.do(t, http.MethodPost, "/channels/"+info.ID+"/close-request", nil); res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body: %s", res.Code, res.Body.String())
	}

	res = env.do(t, http.MethodPost, "/channels/"+info.ID+"/finalize", nil)
	if res.Code != http.StatusTooEarly {
		t.Fatalf("expected finalize before window 425, got %d", res.Code)
	}

	env.clock.Add(disputeWindow + time.Second)
	res = env.do(t, http.MethodPost, "/channels/"+info.ID+"/finalize", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	decodeBody(t, res, &info)
	if info.Balance1 != 80 || info.Balance2 != 70 {
		t.Fatalf("expected balances (80, 70), got (%d, %d)", info.Balance1, info.Balance2)
	}

	if got := balanceOf(t, env, env.alice.Address); got != 80 {
		t.Fatalf("expected settled balance 80, got %d", got)
	}
	if got := balanceOf(t, env, env.bob.Address); got != 70 {
		t.Fatalf("expected settled balance 70, got %d", got)
	}

	res = env.do(t, http.MethodPost, "/watchtowers/tower/sweep", nil)
	var report watchtower.SweepReport
	decodeBody(t, res, &report)
	if len(report.Notified) != 1 {
		t.Fatalf("expected one closed-channel notification, got %v", report.Notified)
	}

	res = env.do(t, http.MethodGet, "/channels/find?party1="+env.bob.Address+"&party2="+env.alice.Address, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	// an opening signature counts the pair's channels, so it cannot be replayed
	if res := env.do(t, http.MethodPost, "/channels", signedOpen(t, env, 10, 10, 0)); res.Code != http.StatusBadRequest {
		t.Fatalf("expected stale opening signature 400, got %d", res.Code)
	}
	if res := env.do(t, http.MethodPost, "/channels", signedOpen(t, env, 10, 10, 1)); res.Code != http.StatusCreated {
		t.Fatalf("expected second channel 201, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestChannel_NotFound(t *testing.T) {
	env := testServer(t)

	res := env.do(t, http.MethodPost, "/channels/nope/finalize", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}

	res = env.do(t, http.MethodPost, "/channels/force-close", map[string]interface{}{
		"party1": env.alice.Address, "party2": env.bob.Address, "index": 0,
	})
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}
