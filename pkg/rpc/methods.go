package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/journal"
	"github.com/fortiblox/svmsim/pkg/simulator"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sysvar"
	"github.com/fortiblox/svmsim/pkg/txn"
)

// Version information.
const (
	SolanaCore = "svmsim-0.1.0"
	FeatureSet = 0
)

// maxMultipleAccounts caps getMultipleAccounts as Solana nodes do.
const maxMultipleAccounts = 100

// Simulation

// simulateTransaction runs an encoded transaction against the snapshot.
func (s *Server) simulateTransaction(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "missing transaction parameter")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		return nil, InvalidParamsError("invalid transaction")
	}

	var config SimulateTransactionConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if config.SigVerify && config.ReplaceRecentBlockhash {
		return nil, InvalidParamsError("sigVerify may not be used with replaceRecentBlockhash")
	}
	if rpcErr := checkMinContextSlot(config.MinContextSlot); rpcErr != nil {
		return nil, rpcErr
	}

	// Solana defaults to base58 here, unlike the account methods.
	var wire []byte
	var err error
	switch config.Encoding {
	case "", accounts.EncodingBase58:
		wire, err = base58.Decode(encoded)
	case accounts.EncodingBase64:
		wire, err = base64.StdEncoding.DecodeString(encoded)
	default:
		return nil, InvalidParamsErrorf("unsupported encoding: %s", config.Encoding)
	}
	if err != nil {
		return nil, InvalidParamsErrorf("invalid transaction encoding: %v", err)
	}

	tx, err := txn.DecodeTransaction(wire)
	if err != nil {
		if errors.Is(err, svm.ErrUnsupportedVersion) {
			return nil, NewRPCError(UnsupportedTransactionVersion, err.Error())
		}
		return nil, InvalidParamsErrorf("failed to deserialize transaction: %v", err)
	}
	if config.SigVerify {
		if err := tx.VerifySignatures(); err != nil {
			return nil, SignatureVerificationError(err)
		}
	}
	sanitized, err := txn.NewSanitizedTransaction(tx)
	if err != nil {
		return nil, InvalidParamsErrorf("invalid transaction: %v", err)
	}

	res, err := s.sim.Simulate(sanitized, config.InnerInstructions)
	if err != nil {
		return nil, InternalServerErrorf("simulation failed: %v", err)
	}

	if s.journal != nil {
		rec := journal.NewRunRecord(sanitized, s.snapshot.Accounts(), res)
		if err := s.journal.Put(rec); err != nil {
			s.config.Logger.Warn("journal write failed", "err", err)
		}
	}

	return ResponseWithContext{
		Context: Context{Slot: simulator.ExecutionSlot},
		Value:   res,
	}, nil
}

// Account Methods

// getAccountInfo retrieves account information.
func (s *Server) getAccountInfo(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "missing pubkey parameter")
	if rpcErr != nil {
		return nil, rpcErr
	}

	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config AccountInfoConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if rpcErr := checkMinContextSlot(config.MinContextSlot); rpcErr != nil {
		return nil, rpcErr
	}

	account, ok := s.snapshot.GetAccount(pubkey)
	if !ok {
		return withContext(nil), nil
	}

	info, rpcErr := accountToAccountInfo(account, config.Encoding, config.DataSlice)
	if rpcErr != nil {
		return nil, rpcErr
	}
	return withContext(info), nil
}

// getBalance retrieves account balance.
func (s *Server) getBalance(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "missing pubkey parameter")
	if rpcErr != nil {
		return nil, rpcErr
	}

	pubkey, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config BalanceConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if rpcErr := checkMinContextSlot(config.MinContextSlot); rpcErr != nil {
		return nil, rpcErr
	}

	var lamports uint64
	if account, ok := s.snapshot.GetAccount(pubkey); ok {
		lamports = account.Lamports
	}
	return withContext(lamports), nil
}

// getMultipleAccounts retrieves multiple accounts.
func (s *Server) getMultipleAccounts(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "missing pubkeys parameter")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var pubkeyStrs []string
	if err := json.Unmarshal(args[0], &pubkeyStrs); err != nil {
		return nil, InvalidParamsError("invalid pubkeys array")
	}

	if len(pubkeyStrs) > maxMultipleAccounts {
		return nil, InvalidParamsErrorf("too many pubkeys (max %d)", maxMultipleAccounts)
	}

	var config AccountInfoConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if rpcErr := checkMinContextSlot(config.MinContextSlot); rpcErr != nil {
		return nil, rpcErr
	}

	infos := make([]*AccountInfo, len(pubkeyStrs))
	for i, pubkeyStr := range pubkeyStrs {
		pubkey, err := types.PubkeyFromBase58(pubkeyStr)
		if err != nil {
			return nil, InvalidParamsErrorf("invalid pubkey at index %d", i)
		}

		account, ok := s.snapshot.GetAccount(pubkey)
		if !ok {
			continue
		}
		info, rpcErr := accountToAccountInfo(account, config.Encoding, config.DataSlice)
		if rpcErr != nil {
			return nil, rpcErr
		}
		infos[i] = info
	}

	return withContext(infos), nil
}

// getProgramAccounts retrieves accounts owned by a program.
func (s *Server) getProgramAccounts(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "missing program ID parameter")
	if rpcErr != nil {
		return nil, rpcErr
	}

	programID, rpcErr := parsePubkey(args[0])
	if rpcErr != nil {
		return nil, rpcErr
	}

	var config ProgramAccountsConfig
	if len(args) > 1 {
		if err := json.Unmarshal(args[1], &config); err != nil {
			return nil, InvalidParamsError("invalid config")
		}
	}
	if rpcErr := checkMinContextSlot(config.MinContextSlot); rpcErr != nil {
		return nil, rpcErr
	}

	results := []KeyedAccountInfo{}
	for _, ka := range s.snapshot.Accounts() {
		if ka.Account.Owner != programID {
			continue
		}
		match, rpcErr := matchesFilters(ka.Account, config.Filters)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if !match {
			continue
		}
		info, rpcErr := accountToAccountInfo(ka.Account, config.Encoding, config.DataSlice)
		if rpcErr != nil {
			return nil, rpcErr
		}
		results = append(results, KeyedAccountInfo{Pubkey: ka.Pubkey.String(), Account: info})
	}

	if config.WithContext {
		return withContext(results), nil
	}
	return results, nil
}

// Cluster Methods

// getSlot returns the slot simulations execute at.
func (s *Server) getSlot(params json.RawMessage) (interface{}, *RPCError) {
	return uint64(simulator.ExecutionSlot), nil
}

// getHealth returns the node health status.
func (s *Server) getHealth(params json.RawMessage) (interface{}, *RPCError) {
	if !s.IsHealthy() {
		return nil, ErrNodeUnhealthy
	}
	return "ok", nil
}

// getVersion returns the node version.
func (s *Server) getVersion(params json.RawMessage) (interface{}, *RPCError) {
	return VersionInfo{
		SolanaCore: SolanaCore,
		FeatureSet: FeatureSet,
	}, nil
}

// Info Methods

// getEpochSchedule returns the epoch schedule.
func (s *Server) getEpochSchedule(params json.RawMessage) (interface{}, *RPCError) {
	es := sysvar.DefaultEpochSchedule()
	return EpochSchedule{
		SlotsPerEpoch:            es.SlotsPerEpoch,
		LeaderScheduleSlotOffset: es.LeaderScheduleSlotOffset,
		Warmup:                   es.Warmup,
		FirstNormalEpoch:         es.FirstNormalEpoch,
		FirstNormalSlot:          es.FirstNormalSlot,
	}, nil
}

// getMinimumBalanceForRentExemption returns the minimum balance for rent exemption.
func (s *Server) getMinimumBalanceForRentExemption(params json.RawMessage) (interface{}, *RPCError) {
	args, rpcErr := parseArgs(params, 1, "missing data length parameter")
	if rpcErr != nil {
		return nil, rpcErr
	}

	var dataLen uint64
	if err := json.Unmarshal(args[0], &dataLen); err != nil {
		return nil, InvalidParamsError("invalid data length")
	}

	return sysvar.DefaultRent().MinimumBalance(dataLen), nil
}

// Helper functions

// parseArgs decodes the positional params, requiring at least n.
func parseArgs(params json.RawMessage, n int, missing string) ([]json.RawMessage, *RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, InvalidParamsError("invalid params")
		}
	}
	if len(args) < n {
		return nil, InvalidParamsError(missing)
	}
	return args, nil
}

func parsePubkey(raw json.RawMessage) (types.Pubkey, *RPCError) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Pubkey{}, InvalidParamsError("invalid pubkey")
	}
	pubkey, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, InvalidParamsError("invalid pubkey format")
	}
	return pubkey, nil
}

func checkMinContextSlot(minSlot *uint64) *RPCError {
	if minSlot != nil && *minSlot > simulator.ExecutionSlot {
		return MinContextSlotError(*minSlot, simulator.ExecutionSlot)
	}
	return nil
}

func withContext(value interface{}) ResponseWithContext {
	return ResponseWithContext{
		Context: Context{Slot: simulator.ExecutionSlot},
		Value:   value,
	}
}

// accountToAccountInfo converts an account to its RPC form.
func accountToAccountInfo(account *accounts.Account, encoding accounts.DataEncoding, dataSlice *DataSlice) (*AccountInfo, *RPCError) {
	encoding, err := accounts.ParseDataEncoding(string(encoding))
	if err != nil {
		return nil, InvalidParamsError(err.Error())
	}

	data, err := accounts.EncodeData(applyDataSlice(account.Data, dataSlice), encoding)
	if err != nil {
		return nil, InternalServerErrorf("failed to encode data: %v", err)
	}

	return &AccountInfo{
		Data:       data,
		Executable: account.Executable,
		Lamports:   account.Lamports,
		Owner:      account.Owner.String(),
		RentEpoch:  account.RentEpoch,
		Space:      uint64(len(account.Data)),
	}, nil
}

// applyDataSlice applies a data slice to account data.
func applyDataSlice(data []byte, slice *DataSlice) []byte {
	if slice == nil {
		return data
	}

	start := slice.Offset
	if start >= uint64(len(data)) {
		return []byte{}
	}

	end := min(start+slice.Length, uint64(len(data)))
	return data[start:end]
}

// matchesFilters checks if an account matches every filter.
func matchesFilters(account *accounts.Account, filters []ProgramAccountFilter) (bool, *RPCError) {
	for _, filter := range filters {
		if filter.DataSize != nil && uint64(len(account.Data)) != *filter.DataSize {
			return false, nil
		}
		if filter.Memcmp == nil {
			continue
		}
		encoding := filter.Memcmp.Encoding
		if encoding == "" {
			encoding = accounts.EncodingBase58
		}
		want, err := accounts.DecodeData(filter.Memcmp.Bytes, encoding)
		if err != nil {
			return false, InvalidParamsErrorf("invalid memcmp bytes: %v", err)
		}
		offset := filter.Memcmp.Offset
		if offset > uint64(len(account.Data)) || uint64(len(account.Data))-offset < uint64(len(want)) {
			return false, nil
		}
		if !bytes.Equal(account.Data[offset:offset+uint64(len(want))], want) {
			return false, nil
		}
	}
	return true, nil
}
