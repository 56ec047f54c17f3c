package storage

import logx "offsched/pkg/logx"

var logxNop = logx.Nop()
