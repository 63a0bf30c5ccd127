package system

import (
	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/txn"
)

func build(ix Instruction, metas ...txn.AccountMeta) txn.Instruction {
	data, err := ix.Encode()
	if err != nil {
		panic(err)
	}
	return txn.Instruction{ProgramID: types.SystemProgramAddr, Accounts: metas, Data: data}
}

// Transfer moves lamports from a signing system account.
func Transfer(from, to types.Pubkey, lamports uint64) txn.Instruction {
	return build(Instruction{Kind: InstructionTransfer, Lamports: lamports},
		txn.AccountMeta{Pubkey: from, IsSigner: true, IsWritable: true},
		txn.AccountMeta{Pubkey: to, IsWritable: true},
	)
}

// CreateAccount funds, sizes and assigns a new account. Both accounts sign.
func CreateAccount(from, to types.Pubkey, lamports, space uint64, owner types.Pubkey) txn.Instruction {
	return build(Instruction{Kind: InstructionCreateAccount, Lamports: lamports, Space: space, Owner: owner},
		txn.AccountMeta{Pubkey: from, IsSigner: true, IsWritable: true},
		txn.AccountMeta{Pubkey: to, IsSigner: true, IsWritable: true},
	)
}

// CreateAccountWithSeed creates an account at an address derived from base.
func CreateAccountWithSeed(from, to, base types.Pubkey, seed string, lamports, space uint64, owner types.Pubkey) txn.Instruction {
	metas := []txn.AccountMeta{
		{Pubkey: from, IsSigner: true, IsWritable: true},
		{Pubkey: to, IsWritable: true},
	}
	if base != from {
		metas = append(metas, txn.AccountMeta{Pubkey: base, IsSigner: true})
	}
	return build(Instruction{
		Kind:     InstructionCreateAccountWithSeed,
		Base:     base,
		Seed:     seed,
		Lamports: lamports,
		Space:    space,
		Owner:    owner,
	}, metas...)
}

// Assign sets the owner of a signing system account.
func Assign(account, owner types.Pubkey) txn.Instruction {
	return build(Instruction{Kind: InstructionAssign, Owner: owner},
		txn.AccountMeta{Pubkey: account, IsSigner: true, IsWritable: true},
	)
}

// Allocate sizes a signing system account.
func Allocate(account types.Pubkey, space uint64) txn.Instruction {
	return build(Instruction{Kind: InstructionAllocate, Space: space},
		txn.AccountMeta{Pubkey: account, IsSigner: true, IsWritable: true},
	)
}

// TransferWithSeed moves lamports out of an address derived from base.
func TransferWithSeed(from, base types.Pubkey, fromSeed string, fromOwner, to types.Pubkey, lamports uint64) txn.Instruction {
	return build(Instruction{Kind: InstructionTransferWithSeed, Lamports: lamports, FromSeed: fromSeed, FromOwner: fromOwner},
		txn.AccountMeta{Pubkey: from, IsWritable: true},
		txn.AccountMeta{Pubkey: base, IsSigner: true},
		txn.AccountMeta{Pubkey: to, IsWritable: true},
	)
}
