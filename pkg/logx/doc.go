// Package logx is a thin structured-logging facade over zerolog.
//
// Components hold a Logger by value; the zero value is a safe no-op.
package logx
