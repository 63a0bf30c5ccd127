package bpfloader

import (
	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/txn"
)

func build(ix Instruction, metas ...txn.AccountMeta) txn.Instruction {
	data, err := ix.Encode()
	if err != nil {
		panic(err)
	}
	return txn.Instruction{ProgramID: types.BPFLoaderUpgradeableAddr, Accounts: metas, Data: data}
}

// InitializeBuffer sets up an uninitialized buffer account.
func InitializeBuffer(buffer, authority types.Pubkey) txn.Instruction {
	return build(Instruction{Kind: InstructionInitializeBuffer},
		txn.AccountMeta{Pubkey: buffer, IsWritable: true},
		txn.AccountMeta{Pubkey: authority},
	)
}

// Write copies payload into a buffer at offset past the metadata.
func Write(buffer, authority types.Pubkey, offset uint32, payload []byte) txn.Instruction {
	return build(Instruction{Kind: InstructionWrite, Offset: offset, Bytes: payload},
		txn.AccountMeta{Pubkey: buffer, IsWritable: true},
		txn.AccountMeta{Pubkey: authority, IsSigner: true},
	)
}

// SetBufferAuthority hands a buffer to a new authority.
func SetBufferAuthority(buffer, current, next types.Pubkey) txn.Instruction {
	return build(Instruction{Kind: InstructionSetAuthority},
		txn.AccountMeta{Pubkey: buffer, IsWritable: true},
		txn.AccountMeta{Pubkey: current, IsSigner: true},
		txn.AccountMeta{Pubkey: next},
	)
}

// SetUpgradeAuthority changes or, with a nil next, removes the upgrade
// authority of a programdata account.
func SetUpgradeAuthority(programData, current types.Pubkey, next *types.Pubkey) txn.Instruction {
	metas := []txn.AccountMeta{
		{Pubkey: programData, IsWritable: true},
		{Pubkey: current, IsSigner: true},
	}
	if next != nil {
		metas = append(metas, txn.AccountMeta{Pubkey: *next})
	}
	return build(Instruction{Kind: InstructionSetAuthority}, metas...)
}

// CloseBuffer closes a buffer and sends its lamports to recipient.
func CloseBuffer(buffer, recipient, authority types.Pubkey) txn.Instruction {
	return build(Instruction{Kind: InstructionClose},
		txn.AccountMeta{Pubkey: buffer, IsWritable: true},
		txn.AccountMeta{Pubkey: recipient, IsWritable: true},
		txn.AccountMeta{Pubkey: authority, IsSigner: true},
	)
}
