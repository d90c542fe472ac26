package agent

import (
	"context"
	"testing"
	"time"

	"treasury_watcher/internal/models"
	"treasury_watcher/internal/store"

	"github.com/stretchr/testify/require"
)

func pendingCommand(t *testing.T, st *store.Store, docID, text string) *models.StoredCommand {
	t.Helper()
	parsed, err := parseForTest(text)
	require.NoError(t, err)
	cmd, err := st.CreateCommand(docID, text, &parsed, models.StatusPendingApproval)
	require.NoError(t, err)
	return cmd
}

func TestDecideQuorumOfTwo(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	a, st := newTestAgent(t, clock, provider, Backends{})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))
	require.NoError(t, st.UpsertSigner("doc1", addr("b"), 1))
	require.NoError(t, st.SetQuorum("doc1", 2))

	cmd := pendingCommand(t, st, "doc1", "DW PAYOUT 60 USDC TO "+addr("c"))

	out, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingApproval, out.Status)
	require.Equal(t, 1, out.ApprovedWeight)
	require.Equal(t, 2, out.Quorum)

	out, err = a.Decide(context.Background(), "doc1", cmd.CmdID, addr("b"), models.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, out.Status)
	require.Equal(t, "local", out.Mode)

	stored, err := st.GetCommand(cmd.CmdID)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, stored.Status)

	// Approvals are consumed once the decision lands.
	approvals, err := st.ListApprovals(cmd.CmdID)
	require.NoError(t, err)
	require.Empty(t, approvals)
}

func TestDecideWeightedSignerMeetsQuorumAlone(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	a, st := newTestAgent(t, clock, provider, Backends{})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 2))
	require.NoError(t, st.SetQuorum("doc1", 2))

	cmd := pendingCommand(t, st, "doc1", "DW QUORUM 3")
	out, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, out.Status)
}

func TestDecideRejectIsFinal(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	a, st := newTestAgent(t, clock, provider, Backends{})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))

	cmd := pendingCommand(t, st, "doc1", "DW QUORUM 3")
	out, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionReject)
	require.NoError(t, err)
	require.Equal(t, models.StatusRejected, out.Status)

	// A second decision hits a settled command.
	_, err = a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.ErrorIs(t, err, ErrDecisionConflict)
}

func TestDecideUnknownSigner(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	a, st := newTestAgent(t, clock, provider, Backends{})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	cmd := pendingCommand(t, st, "doc1", "DW QUORUM 3")

	_, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("f"), models.DecisionApprove)
	require.ErrorIs(t, err, ErrUnknownSigner)
}

func TestDecideChannelCosign(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	channel := &mockChannel{version: 1}
	a, st := newTestAgent(t, clock, provider, Backends{StateChannel: channel})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))
	require.NoError(t, st.UpsertSession(models.ChannelSession{
		DocID: "doc1", SessionID: "sess-doc1", Version: 1, Status: models.SessionOpen,
	}))
	require.NoError(t, st.UpsertSessionKey(models.SessionKey{
		DocID:               "doc1",
		SignerAddress:       addr("a"),
		SessionKeyAddress:   addr("d"),
		EncryptedPrivateKey: []byte("enc"),
		ExpiresAt:           clock.Now().Add(time.Hour),
	}))

	cmd := pendingCommand(t, st, "doc1", "DW PAYOUT 10 USDC TO "+addr("c"))
	out, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, out.Status)
	require.Equal(t, "channel", out.Mode)

	require.Len(t, channel.submissions, 1)
	require.Equal(t, cmd.CmdID, channel.submissions[0].CmdID)
	require.Equal(t, []string{addr("a")}, channel.submissions[0].Approvers)

	sess, err := st.GetSession("doc1")
	require.NoError(t, err)
	require.Equal(t, int64(2), sess.Version)

	avoided, err := st.GetCounter("doc1", "onchain_approvals_avoided")
	require.NoError(t, err)
	require.Equal(t, int64(1), avoided)
}

func TestDecideChannelMissingSessionKeyBlocks(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	channel := &mockChannel{}
	a, st := newTestAgent(t, clock, provider, Backends{StateChannel: channel})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))
	require.NoError(t, st.UpsertSession(models.ChannelSession{
		DocID: "doc1", SessionID: "sess-doc1", Version: 1, Status: models.SessionOpen,
	}))

	cmd := pendingCommand(t, st, "doc1", "DW QUORUM 3")
	_, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.ErrorIs(t, err, ErrDecisionConflict)
	require.Contains(t, err.Error(), "missing session key")

	// The command stays pending; the vote is not lost.
	stored, err := st.GetCommand(cmd.CmdID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingApproval, stored.Status)
}

func TestDecideChannelMissingSessionBlocks(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	a, st := newTestAgent(t, clock, provider, Backends{StateChannel: &mockChannel{}})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))

	cmd := pendingCommand(t, st, "doc1", "DW QUORUM 3")
	_, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.ErrorIs(t, err, ErrDecisionConflict)
	require.Contains(t, err.Error(), "missing session")
}

func TestDecideSessionCreateApprovesWithoutSession(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	channel := &mockChannel{}
	a, st := newTestAgent(t, clock, provider, Backends{StateChannel: channel})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))
	require.NoError(t, st.UpsertSessionKey(models.SessionKey{
		DocID:               "doc1",
		SignerAddress:       addr("a"),
		SessionKeyAddress:   addr("d"),
		EncryptedPrivateKey: []byte("enc"),
		ExpiresAt:           clock.Now().Add(time.Hour),
	}))

	// SESSION_CREATE has no session to co-sign through yet; with the
	// approver's delegated key in place it approves locally.
	cmd := pendingCommand(t, st, "doc1", "DW SESSION_CREATE")
	out, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, out.Status)
	require.Equal(t, "local", out.Mode)
	require.Empty(t, channel.submissions)
}

func TestDecideSessionCreateMissingKeyConflicts(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	a, st := newTestAgent(t, clock, provider, Backends{StateChannel: &mockChannel{}})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))

	cmd := pendingCommand(t, st, "doc1", "DW SESSION_CREATE")
	_, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.ErrorIs(t, err, ErrDecisionConflict)
	require.Contains(t, err.Error(), "missing session key for signer")

	stored, err := st.GetCommand(cmd.CmdID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingApproval, stored.Status)
}

func TestDecideSessionCreateExpiredKeyConflicts(t *testing.T) {
	clock := newTestClock()
	provider := newMemProvider("doc1")
	a, st := newTestAgent(t, clock, provider, Backends{StateChannel: &mockChannel{}})
	defer st.Close()

	require.NoError(t, seedDoc(st, "doc1"))
	require.NoError(t, st.UpsertSigner("doc1", addr("a"), 1))
	require.NoError(t, st.UpsertSessionKey(models.SessionKey{
		DocID:               "doc1",
		SignerAddress:       addr("a"),
		SessionKeyAddress:   addr("d"),
		EncryptedPrivateKey: []byte("enc"),
		ExpiresAt:           clock.Now().Add(-time.Minute),
	}))

	cmd := pendingCommand(t, st, "doc1", "DW SESSION_CREATE")
	_, err := a.Decide(context.Background(), "doc1", cmd.CmdID, addr("a"), models.DecisionApprove)
	require.ErrorIs(t, err, ErrDecisionConflict)
	require.Contains(t, err.Error(), "session key expired")
}
