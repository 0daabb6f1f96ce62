package gormstore

import (
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm/clause"
)

func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}

func hexToHash(s string) common.Hash {
	if s == "" {
		return common.Hash{}
	}
	return common.HexToHash(s)
}
